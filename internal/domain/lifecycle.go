package domain

// Rank maps a priority to its queue ordering weight. Higher dequeues first.
// Unknown values rank below low so malformed input never jumps the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ValidPriority reports whether p is one of the four recognized values.
func ValidPriority(p Priority) bool {
	return p.Rank() > 0
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusQueued:     {StatusClaimed},
	StatusClaimed:    {StatusInProgress, StatusHandedOff, StatusBlocked},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusHandedOff, StatusBlocked},
	StatusHandedOff:  {StatusInProgress},
	StatusBlocked:    {StatusInProgress, StatusFailed},
	StatusCompleted:  nil,
	StatusFailed:     nil,
}

// CanTransition reports whether a task may move from one status to another.
// Completed and failed are terminal.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// capabilitiesByType is the fixed mapping from task type to the
// capabilities that qualify an agent for tasks of that type. Offering any
// one of them is enough.
var capabilitiesByType = map[TaskType][]string{
	TypeImplementFeature: {"typescript-development", "svelte-development"},
	TypeWriteTests:       {"testing"},
	TypeRefactorCode:     {"refactoring", "typescript-development"},
	TypeFixBug:           {"debugging", "typescript-development"},
	TypeReviewCode:       {"code-review"},
	TypeUpdateDocs:       {"documentation"},
	TypeDefineContract:   {"contract-definition"},
	TypeImplementMock:    {"mock-implementation", "typescript-development"},
}

// RequiredCapabilities returns the capabilities needed for a task type.
// Unknown types require only typescript-development.
func RequiredCapabilities(t TaskType) []string {
	if caps, ok := capabilitiesByType[t]; ok {
		return caps
	}
	return []string{"typescript-development"}
}

// MatchesCapabilities reports whether the offered set intersects the
// capabilities the task type maps to. One shared capability qualifies the
// agent; the mapped set lists alternatives, not a checklist.
func MatchesCapabilities(t TaskType, offered []string) bool {
	have := make(map[string]bool, len(offered))
	for _, c := range offered {
		have[c] = true
	}
	for _, want := range RequiredCapabilities(t) {
		if have[want] {
			return true
		}
	}
	return false
}
