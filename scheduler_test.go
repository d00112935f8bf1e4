package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func agentJob(input string) *Job {
	return &Job{Agent: &RunRequest{Agent: testAgent(), Input: input}}
}

func TestSubmitValidation(t *testing.T) {
	s := NewScheduler(nil, nil)
	var ve *ValidationError

	if err := s.Submit(&Job{}); !errors.As(err, &ve) {
		t.Errorf("expected error for empty job, got %v", err)
	}
	wf, _ := NewWorkflow("w", Node("a", noopNode))
	both := &Job{Agent: &RunRequest{}, Workflow: wf}
	if err := s.Submit(both); !errors.As(err, &ve) {
		t.Errorf("expected error for job with both kinds, got %v", err)
	}
}

func TestSubmitDefaultsAndQueueLen(t *testing.T) {
	s := NewScheduler(nil, nil)
	job := agentJob("x")
	if err := s.Submit(job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID == "" {
		t.Error("expected an assigned job ID")
	}
	if job.ScheduledAt.IsZero() {
		t.Error("expected a scheduled time")
	}
	if job.MaxAttempts != 1 {
		t.Errorf("expected MaxAttempts default 1, got %d", job.MaxAttempts)
	}
	if s.QueueLen() != 1 {
		t.Errorf("expected queue length 1, got %d", s.QueueLen())
	}
}

func TestSubmitQueueFull(t *testing.T) {
	s := NewScheduler(nil, nil, SchedulerMaxQueue(2))
	s.Submit(agentJob("a"))
	s.Submit(agentJob("b"))
	var ve *ValidationError
	if err := s.Submit(agentJob("c")); !errors.As(err, &ve) {
		t.Errorf("expected queue-full error, got %v", err)
	}
}

func TestPopDuePriorityOrder(t *testing.T) {
	s := NewScheduler(nil, nil)
	past := time.Now().Add(-time.Second)
	low := &Job{Agent: &RunRequest{}, Priority: 1, ScheduledAt: past}
	high := &Job{Agent: &RunRequest{}, Priority: 5, ScheduledAt: past}
	s.Submit(low)
	s.Submit(high)

	job, _ := s.popDue()
	if job != high {
		t.Errorf("expected the high-priority job first, got %+v", job)
	}
	job, _ = s.popDue()
	if job != low {
		t.Errorf("expected the low-priority job second, got %+v", job)
	}
}

func TestPopDueSkipsFutureJobs(t *testing.T) {
	s := NewScheduler(nil, nil)
	future := &Job{Agent: &RunRequest{}, Priority: 9, ScheduledAt: time.Now().Add(time.Hour)}
	due := &Job{Agent: &RunRequest{}, Priority: 1, ScheduledAt: time.Now().Add(-time.Second)}
	s.Submit(future)
	s.Submit(due)

	// The future job outranks the due one on the heap, but a due job
	// must never starve behind it.
	job, _ := s.popDue()
	if job != due {
		t.Errorf("expected the due job, got %+v", job)
	}

	job, wait := s.popDue()
	if job != nil {
		t.Errorf("expected no due job, got %+v", job)
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("unexpected wait: %s", wait)
	}
}

func TestPopDueFIFOWithinPriority(t *testing.T) {
	s := NewScheduler(nil, nil)
	at := time.Now().Add(-time.Second)
	first := &Job{Agent: &RunRequest{}, ScheduledAt: at}
	second := &Job{Agent: &RunRequest{}, ScheduledAt: at}
	s.Submit(first)
	s.Submit(second)

	if job, _ := s.popDue(); job != first {
		t.Error("expected submission order to break ties")
	}
}

func TestSchedulerRunsAgentJobs(t *testing.T) {
	inner := &scriptedBackend{script: []scriptedTurn{
		{resp: ChatResponse{Content: "done", FinishReason: FinishStop}},
	}}
	runs := NewMemRunStore()
	e := NewEngine(inner, NewRegistry(), EngineRuns(runs))
	s := NewScheduler(e, nil, SchedulerWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	s.Submit(&Job{Agent: &RunRequest{Agent: testAgent(), Input: "go"}, Tags: []string{"batch"}, TriggerID: "manual"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := runs.List(context.Background(), RunFilter{Status: []RunStatus{RunCompleted}})
		if len(got) == 1 {
			if got[0].TriggerID != "manual" || len(got[0].Tags) != 1 {
				t.Errorf("job metadata not forwarded: %+v", got[0].Run)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never executed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
}

func TestSchedulerRetriesFailedRuns(t *testing.T) {
	var mu sync.Mutex
	var calls int
	wf, _ := NewWorkflow("flaky",
		Node("try", func(context.Context, *State) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		}),
	)
	we := NewWorkflowEngine()
	s := NewScheduler(nil, we, SchedulerWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	s.Submit(&Job{Workflow: wf, MaxAttempts: 3, RetryBase: 5 * time.Millisecond})

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a retry, saw %d attempts", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	s := NewScheduler(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	var ve *ValidationError
	if err := s.Start(ctx); !errors.As(err, &ve) {
		t.Errorf("expected already-started error, got %v", err)
	}
	cancel()
}

func TestRegisterCron(t *testing.T) {
	s := NewScheduler(nil, NewWorkflowEngine())
	wf, _ := NewWorkflow("nightly", Node("a", noopNode))

	if err := s.RegisterCron("0 2 * * *", "nightly", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unregistered workflow, got %v", err)
	}
	if err := s.RegisterWorkflow(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterWorkflow(wf); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
	if err := s.RegisterCron("bad expr", "nightly", ""); err == nil {
		t.Error("expected parse error")
	}
	if err := s.RegisterCron("0 2 * * *", "nightly", "input"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCronMaterialisesJobs(t *testing.T) {
	runs := NewMemRunStore()
	we := NewWorkflowEngine(WorkflowRuns(runs))
	wf, _ := NewWorkflow("tick", Node("a", setNode("output", "ticked")))

	s := NewScheduler(nil, we, SchedulerWorkers(1))
	s.RegisterWorkflow(wf)
	s.RegisterCron("* * * * *", "tick", "")

	// Force the entry due now instead of waiting out the minute.
	s.mu.Lock()
	s.crons[0].next = time.Now().Add(-time.Second)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := runs.List(context.Background(), RunFilter{TriggerID: "cron:* * * * *"})
		if len(got) > 0 {
			if got[0].Status != RunCompleted {
				t.Errorf("unexpected status: %s", got[0].Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cron job never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
