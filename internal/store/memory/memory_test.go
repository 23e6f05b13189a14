package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
)

// stepClock hands out strictly increasing instants so created_at ties
// cannot occur unless forced.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
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

var testerCaps = []string{"typescript-development", "svelte-development", "testing", "debugging"}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	s := New()
	s.SetClock(stepClock(time.Now(), time.Second))
	ctx := context.Background()

	a := enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)
	b := enqueue(t, s, domain.TypeWriteTests, domain.PriorityMedium)
	c := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)
	d := enqueue(t, s, domain.TypeWriteTests, domain.PriorityUrgent)
	// Second medium task, younger than b: FIFO within a priority.
	b2 := enqueue(t, s, domain.TypeWriteTests, domain.PriorityMedium)

	want := []string{d, c, b, b2, a}
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
	if got, _ := s.DequeueTask(ctx, testerCaps, exclude...); got != nil {
		t.Fatalf("queue should be drained, got %s", got.ID)
	}
}

func TestDequeueIsAPeek(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)

	for i := 0; i < 3; i++ {
		got, err := s.DequeueTask(ctx, testerCaps)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got == nil || got.ID != id {
			t.Fatalf("peek %d should keep returning %s", i, id)
		}
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != domain.StatusQueued {
		t.Fatalf("peek must not mutate status, got %s", task.Status)
	}
}

func TestDequeueFiltersByCapabilities(t *testing.T) {
	s := New()
	ctx := context.Background()
	enqueue(t, s, domain.TypeReviewCode, domain.PriorityUrgent)
	match := enqueue(t, s, domain.TypeWriteTests, domain.PriorityLow)

	got, err := s.DequeueTask(ctx, []string{"testing"})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != match {
		t.Fatalf("want %s despite lower priority, got %+v", match, got)
	}
	if got, _ := s.DequeueTask(ctx, nil); got != nil {
		t.Fatal("empty capability set should match nothing")
	}
}

func TestDequeueMatchesOnPartialOverlap(t *testing.T) {
	s := New()
	ctx := context.Background()
	// implement-feature maps to {typescript-development, svelte-development};
	// offering just one of them qualifies.
	id := enqueue(t, s, domain.TypeImplementFeature, domain.PriorityHigh)

	got, err := s.DequeueTask(ctx, []string{"typescript-development"})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("one shared capability should match, got %+v", got)
	}
	got, err = s.DequeueTask(ctx, []string{"svelte-development"})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("the other alternative should match too, got %+v", got)
	}
	if got, _ := s.DequeueTask(ctx, []string{"documentation"}); got != nil {
		t.Fatalf("disjoint capability set should match nothing, got %s", got.ID)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)

	const claimers = 8
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

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.CodeOf(err) == errors.CodeTaskAlreadyClaimed:
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != claimers-1 {
		t.Fatalf("want 1 winner and %d losers, got %d/%d", claimers-1, wins, losses)
	}
	task, _ := s.GetTask(ctx, id)
	if task.AssignedTo != domain.AgentExecutor {
		t.Fatalf("winner's assignment missing, got %q", task.AssignedTo)
	}
}

func TestUpdateTaskResultDerivesStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)
	if _, err := s.UpdateTaskStatus(ctx, id, domain.StatusClaimed, domain.AgentExecutor); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTaskStatus(ctx, id, domain.StatusInProgress, domain.AgentExecutor); err != nil {
		t.Fatal(err)
	}
	task, err := s.UpdateTaskResult(ctx, id, domain.TaskResult{Success: false, Output: "broke"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusFailed || task.Result == nil {
		t.Fatalf("want failed with result, got %s", task.Status)
	}
	// Terminal: nothing moves it again.
	if _, err := s.UpdateTaskStatus(ctx, id, domain.StatusClaimed, domain.AgentExecutor); err == nil {
		t.Fatal("terminal task should reject further transitions")
	}
}

func TestLockLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "src/app.ts", domain.AgentExecutor, domain.OpWrite, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock.LockToken == "" {
		t.Fatal("grant must carry a token")
	}

	_, err = s.AcquireLock(ctx, "src/app.ts", domain.AgentPlanner, domain.OpWrite, time.Minute)
	if errors.CodeOf(err) != errors.CodeFileAlreadyLocked {
		t.Fatalf("want FILE_ALREADY_LOCKED, got %v", err)
	}
	appErr := errors.AsError(err)
	if appErr.Details["locked_by"] != "executor" {
		t.Fatalf("details should name the holder, got %v", appErr.Details)
	}

	if err := s.ReleaseLock(ctx, lock.LockToken); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ReleaseLock(ctx, lock.LockToken); errors.CodeOf(err) != errors.CodeLockNotFound {
		t.Fatalf("second release should be LOCK_NOT_FOUND, got %v", err)
	}
	if held, _ := s.IsLocked(ctx, "src/app.ts"); held != nil {
		t.Fatal("path should be free after release")
	}
}

func TestLockExpirySweptOnAccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	current := base
	var mu sync.Mutex
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	if _, err := s.AcquireLock(ctx, "a.go", domain.AgentExecutor, domain.OpWrite, time.Minute); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	current = base.Add(time.Minute) // exactly expires_at: expired
	mu.Unlock()

	if held, _ := s.IsLocked(ctx, "a.go"); held != nil {
		t.Fatal("lock at expires_at should be swept")
	}
	if _, err := s.AcquireLock(ctx, "a.go", domain.AgentPlanner, domain.OpWrite, time.Minute); err != nil {
		t.Fatalf("path should be acquirable after expiry: %v", err)
	}
	all, _ := s.GetAllLocks(ctx)
	for _, l := range all {
		if !l.ExpiresAt.After(current) {
			t.Fatalf("get_all_locks returned expired lock on %s", l.Path)
		}
	}
}

func TestReleaseAllLocksForAgent(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AcquireLock(ctx, "a.go", domain.AgentExecutor, domain.OpWrite, time.Minute)
	s.AcquireLock(ctx, "b.go", domain.AgentExecutor, domain.OpWrite, time.Minute)
	s.AcquireLock(ctx, "c.go", domain.AgentPlanner, domain.OpWrite, time.Minute)

	n, err := s.ReleaseAllLocksForAgent(ctx, domain.AgentExecutor)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("want 2 released, got %d", n)
	}
	all, _ := s.GetAllLocks(ctx)
	if len(all) != 1 || all[0].Path != "c.go" {
		t.Fatalf("planner's lock should survive, got %+v", all)
	}
}

func TestContextRoundTripAndAppend(t *testing.T) {
	s := New()
	ctx := context.Background()

	c := &domain.ConversationContext{
		Messages:    []domain.Message{{Role: domain.RoleSystem, Content: "m1"}},
		SharedState: map[string]string{"phase": "contract"},
	}
	if err := s.SaveContext(ctx, c); err != nil {
		t.Fatal(err)
	}
	if c.ID == "" {
		t.Fatal("save should assign an id")
	}

	if err := s.AppendMessage(ctx, c.ID, domain.Message{Role: domain.RoleExecutor, Content: "m2"}); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadContext(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[0].Content != "m1" || loaded.Messages[1].Content != "m2" {
		t.Fatalf("messages must be a prefix extension: %+v", loaded.Messages)
	}
	if loaded.SharedState["phase"] != "contract" {
		t.Fatalf("shared state lost: %+v", loaded.SharedState)
	}

	if err := s.AppendMessage(ctx, "context_missing", domain.Message{}); errors.CodeOf(err) != errors.CodeContextNotFound {
		t.Fatalf("want CONTEXT_NOT_FOUND, got %v", err)
	}
	if _, err := s.LoadContext(ctx, "context_missing"); errors.CodeOf(err) != errors.CodeContextNotFound {
		t.Fatalf("want CONTEXT_NOT_FOUND, got %v", err)
	}
}

func TestReturnedTasksAreClones(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := enqueue(t, s, domain.TypeWriteTests, domain.PriorityHigh)

	first, _ := s.GetTask(ctx, id)
	first.Description = "mutated by caller"
	second, _ := s.GetTask(ctx, id)
	if second.Description == "mutated by caller" {
		t.Fatal("store handed out shared state")
	}
}
