package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when enqueueing to a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
)

// Handler executes one job. The returned value becomes the job's
// ReturnValue; a non-nil error marks the job failed. Failures are terminal
// and are never retried automatically.
type Handler func(ctx context.Context, jc *JobContext) (any, error)

// JobContext is the handler's view of its job.
type JobContext struct {
	Job Job
	// ChildResults maps child job name to its return value. Populated only
	// after every child completed, so handlers always see finished inputs.
	ChildResults map[string]any

	sched *Scheduler
}

// ReportProgress records progress and emits a progress event.
func (jc *JobContext) ReportProgress(progress int) {
	jc.sched.setProgress(jc.Job.ID, progress)
}

// Scheduler is an in-process DAG-capable job runner. It owns all job state;
// the registry is built at process start and passed down explicitly.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	handlers map[string]Handler
	pending  map[string]int // job id -> unfinished child count

	runq chan string

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64

	concurrency int
	log         *zap.Logger
	done        chan struct{}
	closed      atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:        make(map[string]*Job),
		handlers:    make(map[string]Handler),
		pending:     make(map[string]int),
		runq:        make(chan string, 256),
		subs:        make(map[uint64]chan Event),
		concurrency: 4,
		log:         log,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to (queue, name). Must be called before any DAG
// naming that job is enqueued.
func (s *Scheduler) Register(queue, name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handlerKey(queue, name)] = h
}

// Start launches the worker pool. Workers exit when ctx is canceled or the
// scheduler is closed.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.concurrency; i++ {
		go s.worker(ctx)
	}
}

// Close stops accepting work and wakes all workers and subscribers.
func (s *Scheduler) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// EnqueueDAG registers every node of the spec and dispatches its leaves.
// The root job id comes first in the returned handle.
func (s *Scheduler) EnqueueDAG(ctx context.Context, spec JobSpec) (*Handle, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if spec.Name == "" || spec.Queue == "" {
		return nil, fmt.Errorf("job spec needs name and queue")
	}

	s.mu.Lock()
	if err := s.checkHandlers(spec); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	handle := &Handle{Queue: spec.Queue}
	var leaves []string
	rootID := s.addNode(spec, "", handle, &leaves)
	handle.RootID = rootID
	s.mu.Unlock()

	for _, id := range leaves {
		s.dispatch(ctx, id)
	}
	return handle, nil
}

// Job returns a snapshot of the job record, scoped by queue name.
func (s *Scheduler) Job(queue, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Queue != queue {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// SubscribeEvents returns a channel of raw lifecycle events and a cancel
// function that must be called when the subscriber goes away. Each terminal
// transition is emitted exactly once, so a subscriber observes a job's
// completion at most once. Slow subscribers may miss events; the full
// record remains queryable by id.
func (s *Scheduler) SubscribeEvents() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func handlerKey(queue, name string) string {
	return queue + "/" + name
}

// checkHandlers validates the whole DAG up front so a half-registered flow
// never starts. Caller holds s.mu.
func (s *Scheduler) checkHandlers(spec JobSpec) error {
	if _, ok := s.handlers[handlerKey(spec.Queue, spec.Name)]; !ok {
		return fmt.Errorf("no handler registered for %s", handlerKey(spec.Queue, spec.Name))
	}
	for _, child := range spec.Children {
		if err := s.checkHandlers(child); err != nil {
			return err
		}
	}
	return nil
}

// addNode creates job records depth-first. Caller holds s.mu.
func (s *Scheduler) addNode(spec JobSpec, parentID string, handle *Handle, leaves *[]string) string {
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		Queue:     spec.Queue,
		Data:      spec.Data,
		State:     StateWaiting,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	handle.All = append(handle.All, job.ID)

	if len(spec.Children) == 0 {
		*leaves = append(*leaves, job.ID)
		return job.ID
	}

	s.pending[job.ID] = len(spec.Children)
	for _, child := range spec.Children {
		childID := s.addNode(child, job.ID, handle, leaves)
		job.ChildIDs = append(job.ChildIDs, childID)
	}
	return job.ID
}

// dispatch pushes a job id onto the run queue, retrying with backoff when
// the queue is saturated.
func (s *Scheduler) dispatch(ctx context.Context, id string) {
	select {
	case s.runq <- id:
		return
	case <-s.done:
		return
	default:
	}

	go func() {
		backoff := 10 * time.Millisecond
		for {
			select {
			case s.runq <- id:
				return
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				if backoff < time.Second {
					backoff *= 2
				}
			}
		}
	}()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case id := <-s.runq:
			s.runJob(ctx, id)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State != StateWaiting {
		// Terminal states are final: a job raced to failed by a sibling is
		// never executed.
		s.mu.Unlock()
		return
	}
	job.State = StateActive
	job.UpdatedAt = time.Now()

	handler := s.handlers[handlerKey(job.Queue, job.Name)]
	jc := &JobContext{
		Job:          *job,
		ChildResults: make(map[string]any, len(job.ChildIDs)),
		sched:        s,
	}
	for _, childID := range job.ChildIDs {
		if child, ok := s.jobs[childID]; ok {
			jc.ChildResults[child.Name] = child.ReturnValue
		}
	}
	s.mu.Unlock()

	ret, err := s.invoke(ctx, handler, jc)
	if err != nil {
		s.fail(ctx, id, err.Error())
		return
	}
	s.complete(ctx, id, ret)
}

// invoke runs a handler, converting panics into job failures.
func (s *Scheduler) invoke(ctx context.Context, h Handler, jc *JobContext) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, jc)
}

func (s *Scheduler) setProgress(id string, progress int) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	job.Progress = progress
	job.UpdatedAt = time.Now()
	ev := Event{Type: EventProgress, JobID: job.ID, Queue: job.Queue, Name: job.Name, Progress: progress}
	s.mu.Unlock()

	s.publish(ev)
}

func (s *Scheduler) complete(ctx context.Context, id string, ret any) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	job.State = StateCompleted
	job.Progress = 100
	job.ReturnValue = ret
	job.UpdatedAt = time.Now()
	parentID := job.ParentID
	ev := Event{Type: EventCompleted, JobID: job.ID, Queue: job.Queue, Name: job.Name, Progress: 100, ReturnValue: ret}

	var dispatchParent bool
	if parentID != "" {
		s.pending[parentID]--
		if s.pending[parentID] == 0 {
			delete(s.pending, parentID)
			dispatchParent = true
		}
	}
	s.mu.Unlock()

	s.publish(ev)
	if dispatchParent {
		s.dispatch(ctx, parentID)
	}
}

// fail marks the job failed and cascades upward: a parent whose child failed
// is failed without ever running.
func (s *Scheduler) fail(ctx context.Context, id, reason string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	job.State = StateFailed
	job.FailedReason = reason
	job.UpdatedAt = time.Now()
	parentID := job.ParentID
	ev := Event{Type: EventFailed, JobID: job.ID, Queue: job.Queue, Name: job.Name, FailedReason: reason}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Warn("job failed",
			zap.String("queue", ev.Queue),
			zap.String("name", ev.Name),
			zap.String("job_id", id),
			zap.String("reason", reason))
	}

	s.publish(ev)
	if parentID != "" {
		s.fail(ctx, parentID, fmt.Sprintf("child %s failed: %s", ev.Name, reason))
	}
}

func (s *Scheduler) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; it can recover from the job record.
		}
	}
}
