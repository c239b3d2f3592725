package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJobManager creates a test JobManager that is closed with the test
func newTestJobManager(t *testing.T) *JobManager {
	t.Helper()
	jm, err := New(Config{WorkerCount: 2, BufferSize: 16, TaskTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(jm.Close)
	return jm
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// waitDone polls until the job is done or the deadline passes
func waitDone(t *testing.T, jm *JobManager, h types.JobHandle) *types.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := jm.Status(h)
		if !ok {
			t.Fatalf("job %s not found", h)
		}
		if status.IsDone() {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not finish", h)
	return nil
}

// assertJobState asserts job lifecycle state
func assertJobState(t *testing.T, jm *JobManager, h types.JobHandle, want State) {
	t.Helper()
	job, exists := jm.GetJob(h)
	if !exists {
		t.Errorf("job %s not found", h)
		return
	}
	if job.State != want {
		t.Errorf("job %s state: got %s, want %s", h, job.State, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNew(t *testing.T) {
	jm := newTestJobManager(t)

	stats := jm.Stats()
	expectedStats := map[string]int{
		"pending":   0,
		"in_flight": 0,
		"completed": 0,
		"dead":      0,
	}
	for key, value := range expectedStats {
		if stats[key] != value {
			t.Errorf("stats[%s]: got %d, want %d", key, stats[key], value)
		}
	}
}

func TestSubmit(t *testing.T) {
	boom := errors.New("index offline")

	tests := []struct {
		name       string
		fn         Func
		wantFailed bool
		wantState  State
	}{
		{
			name:      "Successful job",
			fn:        func(context.Context) error { return nil },
			wantState: StateCompleted,
		},
		{
			name:       "Job returns error",
			fn:         func(context.Context) error { return boom },
			wantFailed: true,
			wantState:  StateDead,
		},
		{
			name:       "Job panics",
			fn:         func(context.Context) error { panic("bad segment") },
			wantFailed: true,
			wantState:  StateDead,
		},
		{
			name:       "Nil function",
			fn:         nil,
			wantFailed: true,
			wantState:  StateDead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager(t)

			h, err := jm.Submit(tt.name, tt.fn)
			assertNoError(t, err)
			if h == "" {
				t.Fatal("empty handle")
			}

			status := waitDone(t, jm, h)
			if status.Failed() != tt.wantFailed {
				t.Errorf("failed: got %v, want %v", status.Failed(), tt.wantFailed)
			}
			assertJobState(t, jm, h, tt.wantState)
		})
	}
}

func TestFailedJobRecordsMessage(t *testing.T) {
	jm := newTestJobManager(t)

	h, err := jm.Submit("failing", func(context.Context) error { return errors.New("disk full") })
	assertNoError(t, err)

	status := waitDone(t, jm, h)
	msgs := status.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "disk full") {
		t.Errorf("messages: got %v", msgs)
	}

	job, _ := jm.GetJob(h)
	if job.Error != "disk full" {
		t.Errorf("job error: got %q", job.Error)
	}
}

func TestTaskTimeout(t *testing.T) {
	jm, err := New(Config{WorkerCount: 1, TaskTimeout: 5 * time.Millisecond})
	assertNoError(t, err)
	defer jm.Close()

	h, err := jm.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assertNoError(t, err)

	if !waitDone(t, jm, h).Failed() {
		t.Error("timed out job should be failed")
	}
}

func TestInFlightWhileRunning(t *testing.T) {
	jm := newTestJobManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h, err := jm.Submit("blocking", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	assertNoError(t, err)

	<-started
	assertJobState(t, jm, h, StateInFlight)
	status, _ := jm.Status(h)
	if status.IsDone() {
		t.Error("running job reported done")
	}

	close(release)
	waitDone(t, jm, h)
	assertJobState(t, jm, h, StateCompleted)
}

func TestCreateAndComplete(t *testing.T) {
	tests := []struct {
		name      string
		failed    bool
		wantState State
	}{
		{name: "Complete ok", failed: false, wantState: StateCompleted},
		{name: "Complete failed", failed: true, wantState: StateDead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager(t)

			h, err := jm.Create("Re-index tree (/sitecore/content)")
			assertNoError(t, err)
			assertJobState(t, jm, h, StateInFlight)

			assertNoError(t, jm.Complete(h, tt.failed))
			assertJobState(t, jm, h, tt.wantState)

			status, _ := jm.Status(h)
			if !status.IsDone() || status.Failed() != tt.failed {
				t.Errorf("status: done=%v failed=%v", status.IsDone(), status.Failed())
			}

			// 第二次 Complete 失敗
			assertError(t, jm.Complete(h, false), ErrNotInFlight)
		})
	}
}

func TestCompleteUnknownJob(t *testing.T) {
	jm := newTestJobManager(t)
	assertError(t, jm.Complete("missing", false), ErrJobNotFound)
}

func TestAppendMessage(t *testing.T) {
	jm := newTestJobManager(t)

	h, err := jm.Create("owner")
	assertNoError(t, err)

	for _, p := range []string{"/a", "/b", "/c"} {
		if !jm.AppendMessage(h, p) {
			t.Fatalf("AppendMessage(%s) returned false", p)
		}
	}
	status, _ := jm.Status(h)
	got := status.Messages()
	if fmt.Sprint(got) != "[/a /b /c]" {
		t.Errorf("messages: got %v", got)
	}

	if jm.AppendMessage("missing", "/x") {
		t.Error("AppendMessage on unknown job should return false")
	}
}

func TestStatusUnknown(t *testing.T) {
	jm := newTestJobManager(t)
	if _, ok := jm.Status("missing"); ok {
		t.Error("expected unknown handle")
	}
}

func TestForget(t *testing.T) {
	jm := newTestJobManager(t)

	owner, err := jm.Create("owner")
	assertNoError(t, err)
	assertError(t, jm.Forget(owner), ErrNotFinished)

	assertNoError(t, jm.Complete(owner, false))
	assertNoError(t, jm.Forget(owner))

	if _, ok := jm.Status(owner); ok {
		t.Error("forgotten job still visible")
	}
	assertError(t, jm.Forget(owner), ErrJobNotFound)
}

func TestStats(t *testing.T) {
	jm := newTestJobManager(t)

	ok, _ := jm.Submit("ok", func(context.Context) error { return nil })
	bad, _ := jm.Submit("bad", func(context.Context) error { return errors.New("x") })
	_, _ = jm.Create("owner")
	waitDone(t, jm, ok)
	waitDone(t, jm, bad)

	stats := jm.Stats()
	want := map[string]int{"pending": 0, "in_flight": 1, "completed": 1, "dead": 1}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s]: got %d, want %d", k, stats[k], v)
		}
	}
}

func TestSnapshotOrder(t *testing.T) {
	jm := newTestJobManager(t)

	var handles []types.JobHandle
	for i := 0; i < 5; i++ {
		h, err := jm.Create(fmt.Sprintf("job-%d", i))
		assertNoError(t, err)
		handles = append(handles, h)
	}
	jm.AppendMessage(handles[2], "/sitecore/content/home")

	views := jm.Snapshot()
	if len(views) != 5 {
		t.Fatalf("snapshot size: got %d", len(views))
	}
	for i, v := range views {
		if v.Handle != handles[i] {
			t.Errorf("view %d: got %s, want %s", i, v.Handle, handles[i])
		}
	}
	if len(views[2].Status.Messages) != 1 {
		t.Errorf("view messages: got %v", views[2].Status.Messages)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestCloseWaitsForJobs(t *testing.T) {
	jm, err := New(Config{WorkerCount: 2})
	assertNoError(t, err)

	var handles []types.JobHandle
	for i := 0; i < 6; i++ {
		h, err := jm.Submit("sleep", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
		assertNoError(t, err)
		handles = append(handles, h)
	}

	jm.Close()

	for _, h := range handles {
		status, _ := jm.Status(h)
		if !status.IsDone() {
			t.Errorf("job %s not done after Close", h)
		}
	}

	_, err = jm.Submit("late", func(context.Context) error { return nil })
	assertError(t, err, ErrServiceClosed)
	_, err = jm.Create("late")
	assertError(t, err, ErrServiceClosed)

	// 重複 Close 不會阻塞
	jm.Close()
}

func TestConcurrentSubmit(t *testing.T) {
	jm := newTestJobManager(t)

	var wg sync.WaitGroup
	handles := make(chan types.JobHandle, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := jm.Submit("concurrent", func(context.Context) error { return nil })
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[types.JobHandle]bool)
	for h := range handles {
		if seen[h] {
			t.Errorf("duplicate handle %s", h)
		}
		seen[h] = true
		waitDone(t, jm, h)
	}
	if len(seen) != 50 {
		t.Errorf("handles: got %d, want 50", len(seen))
	}
}
