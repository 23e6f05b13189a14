package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque id with the given entity prefix, e.g. "task_3f…".
// The suffix is a uuid without dashes so ids stay shell and URL safe.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func NewTaskID() string     { return NewID("task") }
func NewLockToken() string  { return NewID("lock") }
func NewSessionID() string  { return NewID("session") }
func NewContextID() string  { return NewID("context") }
func NewConflictID() string { return NewID("conflict") }
func NewHandoffID() string  { return NewID("handoff") }
func NewRegToken() string   { return NewID("reg") }
