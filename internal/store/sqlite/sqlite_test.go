package sqlite

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "collabd.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *Store, typ domain.TaskType, priority domain.Priority) string {
	t.Helper()
	id, err := s.EnqueueTask(context.Background(), &domain.Task{
		Type:        typ,
		Description: string(typ),
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

var testerCaps = []string{"typescript-development", "svelte-development", "testing"}

func TestDequeueOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	step := 0
	s.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	low := enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)
	high := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)
	urgent := enqueue(t, s, domain.TypeWriteTests, domain.PriorityUrgent)
	high2 := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)

	want := []string{urgent, high, high2, low}
	var exclude []string
	for i, expected := range want {
		got, err := s.DequeueTask(ctx, testerCaps, exclude...)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if got == nil || got.ID != expected {
			t.Fatalf("dequeue %d: want %s, got %+v", i, expected, got)
		}
		exclude = append(exclude, got.ID)
	}
}

func TestDequeueCapabilityFilterAndPeek(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueue(t, s, domain.TypeReviewCode, domain.PriorityUrgent)
	match := enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)

	got, err := s.DequeueTask(ctx, []string{"testing"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != match {
		t.Fatalf("capability filter should pick %s, got %+v", match, got)
	}
	// Peek again: same task, still queued.
	again, _ := s.DequeueTask(ctx, []string{"testing"})
	if again == nil || again.ID != match || again.Status != domain.StatusQueued {
		t.Fatalf("peek mutated state: %+v", again)
	}
	if none, _ := s.DequeueTask(ctx, nil); none != nil {
		t.Fatal("empty capabilities should match nothing")
	}
}

func TestDequeueMatchesOnPartialOverlap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// implement-feature maps to {typescript-development, svelte-development};
	// offering just one of them qualifies.
	id := enqueue(t, s, domain.TypeImplementFeature, domain.PriorityHigh)

	got, err := s.DequeueTask(ctx, []string{"typescript-development"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("one shared capability should match, got %+v", got)
	}
	got, err = s.DequeueTask(ctx, []string{"svelte-development"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("the other alternative should match too, got %+v", got)
	}
	if got, _ := s.DequeueTask(ctx, []string{"documentation"}); got != nil {
		t.Fatalf("disjoint capability set should match nothing, got %s", got.ID)
	}
}

func TestClaimRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)

	const claimers = 6
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateTaskStatus(ctx, id, domain.StatusClaimed, domain.AgentExecutor)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if errors.CodeOf(err) != errors.CodeTaskAlreadyClaimed {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly one winner, got %d", wins)
	}
}

func TestTaskResultRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, domain.TypeFixBug, domain.PriorityMedium)
	if _, err := s.UpdateTaskStatus(ctx, id, domain.StatusClaimed, domain.AgentExecutor); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTaskStatus(ctx, id, domain.StatusInProgress, domain.AgentExecutor); err != nil {
		t.Fatal(err)
	}
	done, err := s.UpdateTaskResult(ctx, id, domain.TaskResult{
		Success:       true,
		Output:        "patched the null check",
		FilesModified: []string{"src/auth.ts"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("want completed, got %s", done.Status)
	}
	reread, _ := s.GetTask(ctx, id)
	if reread.Result == nil || !reread.Result.Success || len(reread.Result.FilesModified) != 1 {
		t.Fatalf("result did not survive storage: %+v", reread.Result)
	}
	if !reread.UpdatedAt.After(reread.CreatedAt) && !reread.UpdatedAt.Equal(reread.CreatedAt) {
		t.Fatal("updated_at must not precede created_at")
	}
}

func TestGetTaskAbsent(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetTask(context.Background(), "task_missing")
	if err != nil || got != nil {
		t.Fatalf("absent task should be (nil, nil), got %v / %v", got, err)
	}
}

func TestLockAcquireConflictAndExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	current := base
	var mu sync.Mutex
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	lock, err := s.AcquireLock(ctx, "src/app.ts", domain.AgentExecutor, domain.OpWrite, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.AcquireLock(ctx, "src/app.ts", domain.AgentPlanner, domain.OpWrite, time.Minute)
	if errors.CodeOf(err) != errors.CodeFileAlreadyLocked {
		t.Fatalf("want FILE_ALREADY_LOCKED, got %v", err)
	}

	mu.Lock()
	current = base.Add(2 * time.Minute)
	mu.Unlock()
	if held, _ := s.IsLocked(ctx, "src/app.ts"); held != nil {
		t.Fatal("expired lock should be swept on access")
	}
	if _, err := s.AcquireLock(ctx, "src/app.ts", domain.AgentPlanner, domain.OpWrite, time.Minute); err != nil {
		t.Fatalf("path should be free after expiry: %v", err)
	}
	if err := s.ReleaseLock(ctx, lock.LockToken); errors.CodeOf(err) != errors.CodeLockNotFound {
		t.Fatalf("stale token should be LOCK_NOT_FOUND, got %v", err)
	}
}

func TestSweepExpiredLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.AcquireLock(ctx, "a.go", domain.AgentExecutor, domain.OpWrite, time.Millisecond)
	s.AcquireLock(ctx, "b.go", domain.AgentExecutor, domain.OpWrite, time.Hour)

	n, err := s.SweepExpiredLocks(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 swept, got %d", n)
	}
	all, _ := s.GetAllLocks(ctx)
	if len(all) != 1 || all[0].Path != "b.go" {
		t.Fatalf("long lock should survive, got %+v", all)
	}
}

func TestContextAppendIsAtomicPrefixExtension(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &domain.ConversationContext{
		Messages:    []domain.Message{{Role: domain.RoleSystem, Content: "m1", Timestamp: time.Now()}},
		SharedState: map[string]string{"phase": "design"},
	}
	if err := s.SaveContext(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, c.ID, domain.Message{Role: domain.RolePlanner, Content: "m2"}); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadContext(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[0].Content != "m1" || loaded.Messages[1].Content != "m2" {
		t.Fatalf("unexpected messages: %+v", loaded.Messages)
	}
	if loaded.SharedState["phase"] != "design" {
		t.Fatalf("shared state lost: %+v", loaded.SharedState)
	}
	if err := s.AppendMessage(ctx, "context_nope", domain.Message{}); errors.CodeOf(err) != errors.CodeContextNotFound {
		t.Fatalf("want CONTEXT_NOT_FOUND, got %v", err)
	}
}

func TestNotifyHookFiresOnMutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	touched := 0
	s.SetNotifyHook(func() { touched++ })

	enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)
	if touched != 1 {
		t.Fatalf("enqueue should touch the signal once, got %d", touched)
	}
	s.DequeueTask(ctx, testerCaps)
	if touched != 1 {
		t.Fatalf("peek must not touch the signal, got %d", touched)
	}
}

func TestCountTasksByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)
	id := enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)
	if _, err := s.UpdateTaskStatus(ctx, id, domain.StatusClaimed, domain.AgentExecutor); err != nil {
		t.Fatal(err)
	}
	counts, err := s.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusQueued] != 1 || counts[domain.StatusClaimed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
