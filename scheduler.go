package relay

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultSchedulerWorkers  = 4
	DefaultSchedulerMaxQueue = 1024
	defaultRetryBase         = time.Second
)

// Job is one queued unit of work: an agent run or a workflow run.
// Exactly one of Agent and Workflow must be set.
type Job struct {
	ID          string
	Priority    int
	ScheduledAt time.Time
	Tags        []string
	TriggerID   string

	Agent         *RunRequest
	Workflow      *Workflow
	WorkflowInput string

	// MaxAttempts caps executions including retries (default: 1, no
	// retry). Failed runs retry with exponential backoff plus jitter;
	// completed and cancelled runs never retry.
	MaxAttempts int
	RetryBase   time.Duration

	attempts int
	seq      int
	index    int
}

// jobQueue orders by priority descending, then scheduledAt ascending,
// then submission order.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if !q[i].ScheduledAt.Equal(q[j].ScheduledAt) {
		return q[i].ScheduledAt.Before(q[j].ScheduledAt)
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*Job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// cronEntry is a registered recurring trigger.
type cronEntry struct {
	schedule     *CronSchedule
	workflowName string
	input        string
	tags         []string
	next         time.Time
}

// Scheduler orders pending runs by priority and hands them to the run
// or workflow engine via a worker pool. Cron entries materialise as
// queued jobs when due.
type Scheduler struct {
	engine    *Engine
	workflows *WorkflowEngine
	logger    *slog.Logger
	workers   int
	maxQueue  int

	mu        sync.Mutex
	queue     jobQueue
	crons     []*cronEntry
	registry  map[string]*Workflow
	nextSeq   int
	wake      chan struct{}
	started   bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// SchedulerWorkers sets the worker pool size (default: 4).
func SchedulerWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// SchedulerMaxQueue caps the pending queue (default: 1024).
func SchedulerMaxQueue(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxQueue = n
		}
	}
}

// SchedulerLogger sets the structured logger.
func SchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler over the two engines. Either may be
// nil when only the other kind of job is submitted.
func NewScheduler(engine *Engine, workflows *WorkflowEngine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:    engine,
		workflows: workflows,
		logger:    nopLogger,
		workers:   DefaultSchedulerWorkers,
		maxQueue:  DefaultSchedulerMaxQueue,
		registry:  make(map[string]*Workflow),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterWorkflow makes a workflow addressable by cron entries.
func (s *Scheduler) RegisterWorkflow(wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.registry[wf.name]; exists {
		return fmt.Errorf("workflow %q: %w", wf.name, ErrDuplicateName)
	}
	s.registry[wf.name] = wf
	return nil
}

// RegisterCron adds a recurring trigger for a registered workflow.
func (s *Scheduler) RegisterCron(expr, workflowName, input string, tags ...string) error {
	schedule, err := ParseCron(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[workflowName]; !ok {
		return fmt.Errorf("workflow %q: %w", workflowName, ErrNotFound)
	}
	s.crons = append(s.crons, &cronEntry{
		schedule:     schedule,
		workflowName: workflowName,
		input:        input,
		tags:         tags,
		next:         schedule.Next(time.Now()),
	})
	s.logger.Info("scheduler: cron registered", "expr", expr, "workflow", workflowName)
	return nil
}

// Submit queues a job. Fails when the queue is full or the job names
// no work.
func (s *Scheduler) Submit(job *Job) error {
	if (job.Agent == nil) == (job.Workflow == nil) {
		return &ValidationError{Subject: "job", Detail: "exactly one of Agent and Workflow must be set"}
	}
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.RetryBase <= 0 {
		job.RetryBase = defaultRetryBase
	}

	s.mu.Lock()
	if len(s.queue) >= s.maxQueue {
		s.mu.Unlock()
		return &ValidationError{Subject: "scheduler", Detail: "queue full"}
	}
	job.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen reports the number of pending jobs.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start runs the dispatcher and worker pool until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return &ValidationError{Subject: "scheduler", Detail: "already started"}
	}
	s.started = true
	s.mu.Unlock()

	work := make(chan *Job)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				s.run(ctx, job)
			}
		}()
	}

	for {
		s.materialiseCrons()

		job, wait := s.popDue()
		if job != nil {
			select {
			case work <- job:
				continue
			case <-ctx.Done():
				s.requeue(job)
				close(work)
				wg.Wait()
				return nil
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			close(work)
			wg.Wait()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// popDue removes the highest-priority due job, or returns how long to
// wait for the next one.
func (s *Scheduler) popDue() (*Job, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	// The heap top is the best job overall but may not be due yet; a
	// lower-priority due job behind it must not starve, so scan for
	// the best due job instead of only peeking.
	best := -1
	for i, job := range s.queue {
		if job.ScheduledAt.After(now) {
			continue
		}
		if best == -1 || s.queue.Less(i, best) {
			best = i
		}
	}
	if best >= 0 {
		return heap.Remove(&s.queue, best).(*Job), 0
	}

	wait := time.Minute
	for _, job := range s.queue {
		if d := time.Until(job.ScheduledAt); d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (s *Scheduler) requeue(job *Job) {
	s.mu.Lock()
	heap.Push(&s.queue, job)
	s.mu.Unlock()
}

// materialiseCrons queues a job for every due cron entry.
func (s *Scheduler) materialiseCrons() {
	now := time.Now()
	s.mu.Lock()
	var due []*cronEntry
	for _, c := range s.crons {
		if !c.next.IsZero() && !c.next.After(now) {
			due = append(due, c)
			c.next = c.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, c := range due {
		s.mu.Lock()
		wf := s.registry[c.workflowName]
		s.mu.Unlock()
		if wf == nil {
			s.logger.Warn("scheduler: cron names unknown workflow", "workflow", c.workflowName)
			continue
		}
		job := &Job{
			Workflow:      wf,
			WorkflowInput: c.input,
			Tags:          c.tags,
			TriggerID:     "cron:" + c.schedule.String(),
		}
		if err := s.Submit(job); err != nil {
			s.logger.Warn("scheduler: cron job rejected", "workflow", c.workflowName, "error", err)
		}
	}
}

// run executes one job and requeues it with backoff when it failed and
// attempts remain.
func (s *Scheduler) run(ctx context.Context, job *Job) {
	job.attempts++
	var (
		status RunStatus
		errMsg string
	)
	switch {
	case job.Agent != nil && s.engine != nil:
		req := *job.Agent
		if len(job.Tags) > 0 {
			req.Tags = append(req.Tags, job.Tags...)
		}
		if job.TriggerID != "" {
			req.TriggerID = job.TriggerID
		}
		run, err := s.engine.Run(ctx, req)
		status, errMsg = run.Status, run.Error
		if err != nil && errMsg == "" {
			errMsg = err.Error()
		}
	case job.Workflow != nil && s.workflows != nil:
		rec, err := s.workflows.Execute(ctx, job.Workflow, job.WorkflowInput, job.Tags...)
		status, errMsg = rec.Status, rec.Error
		if err != nil && errMsg == "" {
			errMsg = err.Error()
		}
	default:
		s.logger.Warn("scheduler: job has no engine", "job_id", job.ID)
		return
	}

	if status == RunFailed && job.attempts < job.MaxAttempts && ctx.Err() == nil {
		delay := retryBackoff(job.RetryBase, job.attempts-1)
		job.ScheduledAt = time.Now().Add(delay)
		s.requeue(job)
		select {
		case s.wake <- struct{}{}:
		default:
		}
		s.logger.Info("scheduler: job retry scheduled", "job_id", job.ID, "attempt", job.attempts, "delay", delay, "error", errMsg)
		return
	}
	if errMsg != "" {
		s.logger.Warn("scheduler: job ended", "job_id", job.ID, "status", string(status), "error", errMsg)
	} else {
		s.logger.Debug("scheduler: job completed", "job_id", job.ID)
	}
}
