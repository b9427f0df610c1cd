package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Task is one extraction request flowing through the pool. The result
// channel is buffered so a worker can resolve it even after the waiter
// has given up.
type Task struct {
	ID          string
	URL         string
	Cookies     string
	Attempt     int
	SubmittedAt time.Time

	noop   bool
	once   sync.Once
	result chan TaskResult
}

// TaskResult is the resolution of a task's completion handle.
type TaskResult struct {
	Meta *VideoMetadata
	Err  error
}

// NewTask creates a task for the given URL.
func NewTask(url, cookies string, attempt int) *Task {
	return &Task{
		ID:          uuid.New().String(),
		URL:         url,
		Cookies:     cookies,
		Attempt:     attempt,
		SubmittedAt: time.Now(),
		result:      make(chan TaskResult, 1),
	}
}

// resolve delivers the result exactly once; later resolutions (worker
// completion racing a pool timeout) are dropped.
func (t *Task) resolve(res TaskResult) {
	t.once.Do(func() {
		t.result <- res
	})
}

// ExtractFunc runs the actual subprocess extraction for a task.
type ExtractFunc func(ctx context.Context, task *Task) (*VideoMetadata, error)

// worker is one long-lived execution context owning at most one subprocess
// at a time. Mutable fields are guarded by the pool mutex.
type worker struct {
	id           int64
	tasks        chan *Task
	busy         bool
	completed    int
	createdAt    time.Time
	lastActive   time.Time
	idleDeadline time.Time
	current      *Task
}

// WorkerPoolConfig bounds the pool.
type WorkerPoolConfig struct {
	MinWorkers        int           `json:"min_workers"`
	MaxWorkers        int           `json:"max_workers"`
	MaxQueueSize      int           `json:"max_queue_size"`
	MaxTasksPerWorker int           `json:"max_tasks_per_worker"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	TaskTimeout       time.Duration `json:"task_timeout"`
}

// WorkerPool keeps between MinWorkers and MaxWorkers workers alive,
// dispatches tasks to the first idle worker, queues excess up to
// MaxQueueSize, and recycles workers after MaxTasksPerWorker completions.
// Dispatch, completion handling, and queue manipulation are serialized
// behind one mutex; subprocess execution is concurrent across workers.
type WorkerPool struct {
	cfg     WorkerPoolConfig
	extract ExtractFunc
	spawn   *rate.Limiter
	events  *EventHub
	logger  *slog.Logger

	mu           sync.Mutex
	workers      map[int64]*worker
	queue        []*Task
	nextWorkerID int64
	draining     bool

	created        int64
	destroyed      int64
	completedTasks int64
	failedTasks    int64
	totalTasks     int64
	peakWorkers    int

	wg         sync.WaitGroup
	reaperStop chan struct{}
	reaperOnce sync.Once
}

// WorkerPoolStats is a consistent snapshot for health output.
type WorkerPoolStats struct {
	ActiveWorkers    int              `json:"active_workers"`
	QueueLength      int              `json:"queue_length"`
	ActiveTasks      int              `json:"active_tasks"`
	TotalTasks       int64            `json:"total_tasks"`
	CompletedTasks   int64            `json:"completed_tasks"`
	FailedTasks      int64            `json:"failed_tasks"`
	WorkersCreated   int64            `json:"workers_created"`
	WorkersDestroyed int64            `json:"workers_destroyed"`
	PeakWorkers      int              `json:"peak_workers"`
	Config           WorkerPoolConfig `json:"config"`
}

// NewWorkerPool creates the pool with MinWorkers workers already running
// and starts the idle reaper.
func NewWorkerPool(cfg WorkerPoolConfig, extract ExtractFunc, events *EventHub) *WorkerPool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = 1
	}
	if cfg.MaxTasksPerWorker < 1 {
		cfg.MaxTasksPerWorker = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 35 * time.Second
	}

	p := &WorkerPool{
		cfg:     cfg,
		extract: extract,
		// One spawn per 100ms sustained, bursting to the worker ceiling:
		// protects the host from a subprocess stampede after a queue drain.
		spawn:      rate.NewLimiter(rate.Every(100*time.Millisecond), cfg.MaxWorkers),
		events:     events,
		logger:     slog.Default().With(slog.String("service", "worker-pool")),
		workers:    make(map[int64]*worker),
		reaperStop: make(chan struct{}),
	}

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	go p.reapIdleWorkers()

	p.logger.Info("worker pool started",
		slog.Int("min_workers", cfg.MinWorkers),
		slog.Int("max_workers", cfg.MaxWorkers),
		slog.Int("max_queue", cfg.MaxQueueSize))
	return p
}

// Execute admits a task, waits for its resolution, and enforces the
// per-task deadline. ctx cancellation removes a still-queued task; an
// already-dispatched subprocess runs to completion and its result is
// discarded.
func (p *WorkerPool) Execute(ctx context.Context, task *Task) (*VideoMetadata, error) {
	if err := p.admit(task); err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case res := <-task.result:
		return res.Meta, res.Err
	case <-timer.C:
		p.expireTask(task)
		res := <-task.result
		return res.Meta, res.Err
	case <-ctx.Done():
		p.removeQueued(task)
		// If already dispatched, the subprocess runs to completion and its
		// result is discarded. Either way the caller went away; CLIENT_CLOSED
		// keeps this out of the breaker's failure counters.
		return nil, NewExtractError(ErrCodeClientClosed, "caller abandoned the request").WithCause(ctx.Err())
	}
}

func (p *WorkerPool) admit(task *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return NewExtractError(ErrCodeShuttingDown, "service is shutting down")
	}

	if w := p.idleWorkerLocked(); w != nil {
		p.totalTasks++
		p.assignLocked(w, task)
		return nil
	}

	if len(p.queue) < p.cfg.MaxQueueSize {
		p.totalTasks++
		p.queue = append(p.queue, task)
		if len(p.workers) < p.cfg.MaxWorkers {
			w := p.spawnWorkerLocked()
			p.dispatchLocked(w)
		}
		return nil
	}

	if p.events != nil {
		p.events.Publish(Event{Type: EventQueueFull, TaskID: task.ID})
	}
	return NewExtractError(ErrCodeQueueFull,
		fmt.Sprintf("task queue is full (%d waiting)", len(p.queue)))
}

// idleWorkerLocked returns any idle worker, or nil.
func (p *WorkerPool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if !w.busy {
			return w
		}
	}
	return nil
}

// assignLocked binds a task to a worker. The task channel has capacity one
// and an idle worker's channel is empty, so the send never blocks.
func (p *WorkerPool) assignLocked(w *worker, task *Task) {
	w.busy = true
	w.current = task
	w.idleDeadline = time.Time{}
	w.tasks <- task
}

// dispatchLocked hands the queue head to w if there is one, else marks w
// idle.
func (p *WorkerPool) dispatchLocked(w *worker) {
	if len(p.queue) > 0 {
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.assignLocked(w, task)
		return
	}
	w.busy = false
	w.current = nil
	w.lastActive = time.Now()
	w.idleDeadline = time.Now().Add(p.cfg.IdleTimeout)
}

func (p *WorkerPool) spawnWorkerLocked() *worker {
	p.nextWorkerID++
	w := &worker{
		id:        p.nextWorkerID,
		tasks:     make(chan *Task, 1),
		createdAt: time.Now(),
	}
	w.idleDeadline = w.createdAt.Add(p.cfg.IdleTimeout)
	p.workers[w.id] = w
	p.created++
	if len(p.workers) > p.peakWorkers {
		p.peakWorkers = len(p.workers)
	}

	p.wg.Add(1)
	go p.runWorker(w)

	if p.events != nil {
		p.events.Publish(Event{Type: EventWorkerCreated, WorkerID: w.id})
	}
	return w
}

// removeWorkerLocked drops w from the pool and replaces it when the pool
// would fall below the minimum. Closing the channel only happens for idle
// workers; busy workers exit by noticing their removal at the completion
// boundary.
func (p *WorkerPool) removeWorkerLocked(w *worker, evType EventType, closeChan bool) {
	if _, ok := p.workers[w.id]; !ok {
		return
	}
	delete(p.workers, w.id)
	p.destroyed++
	if closeChan {
		close(w.tasks)
	}
	if p.events != nil {
		p.events.Publish(Event{Type: evType, WorkerID: w.id})
	}
	if !p.draining && len(p.workers) < p.cfg.MinWorkers {
		replacement := p.spawnWorkerLocked()
		p.dispatchLocked(replacement)
	}
}

// runWorker is the worker goroutine: one task at a time, drain on recycle.
func (p *WorkerPool) runWorker(w *worker) {
	defer p.wg.Done()

	for task := range w.tasks {
		if task.noop {
			task.resolve(TaskResult{})
			p.mu.Lock()
			p.dispatchLocked(w)
			alive := p.stillPooledLocked(w)
			p.mu.Unlock()
			if !alive {
				return
			}
			continue
		}

		meta, err := p.runTask(task)
		if !p.complete(w, task, meta, err) {
			return
		}
	}
}

func (p *WorkerPool) stillPooledLocked(w *worker) bool {
	_, ok := p.workers[w.id]
	return ok
}

// runTask executes the subprocess with panic isolation. A panic in the
// extraction path surfaces as WORKER_ERROR and condemns the worker.
func (p *WorkerPool) runTask(task *Task) (meta *VideoMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			meta = nil
			err = NewExtractError(ErrCodeWorkerError, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	// Pace subprocess spawns across all workers.
	_ = p.spawn.Wait(context.Background())

	return p.extract(context.Background(), task)
}

// complete resolves the task, records stats, and decides the worker's
// fate. Returns false when the worker goroutine should exit.
func (p *WorkerPool) complete(w *worker, task *Task, meta *VideoMetadata, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.completed++
	w.lastActive = time.Now()
	w.current = nil

	pooled := p.stillPooledLocked(w)
	if pooled {
		if err != nil {
			p.failedTasks++
			if p.events != nil {
				p.events.Publish(Event{Type: EventTaskFailed, WorkerID: w.id, TaskID: task.ID, Code: CodeOf(err)})
			}
		} else {
			p.completedTasks++
			if p.events != nil {
				p.events.Publish(Event{Type: EventTaskCompleted, WorkerID: w.id, TaskID: task.ID})
			}
		}
	}
	task.resolve(TaskResult{Meta: meta, Err: err})

	if !pooled {
		// Condemned mid-flight (task timeout or shutdown): the task was
		// already resolved and counted when the worker was condemned.
		return false
	}

	if err != nil && CodeOf(err) == ErrCodeWorkerError {
		p.removeWorkerLocked(w, EventWorkerDestroyed, false)
		return false
	}

	if w.completed >= p.cfg.MaxTasksPerWorker {
		// Recycle at the completion boundary; the current task was drained,
		// never preempted.
		p.removeWorkerLocked(w, EventWorkerRecycled, false)
		return false
	}

	if p.draining {
		w.busy = false
		return false
	}

	p.dispatchLocked(w)
	return true
}

// expireTask fires when the pool deadline elapses before the worker
// resolved the task. The owning worker is condemned: its subprocess may
// still hold resources.
func (p *WorkerPool) expireTask(task *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task.resolve(TaskResult{Err: NewExtractError(ErrCodeTimeout,
		fmt.Sprintf("task exceeded %s deadline", p.cfg.TaskTimeout))})

	for _, w := range p.workers {
		if w.current == task {
			p.failedTasks++
			p.removeWorkerLocked(w, EventWorkerDestroyed, false)
			return
		}
	}
	// Still queued: drop it so no worker runs it.
	p.removeQueuedLocked(task)
}

// removeQueued drops a still-queued task. Returns false when the task was
// already dispatched.
func (p *WorkerPool) removeQueued(task *Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeQueuedLocked(task)
}

func (p *WorkerPool) removeQueuedLocked(task *Task) bool {
	for i, t := range p.queue {
		if t == task {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// reapIdleWorkers destroys workers whose idle deadline elapsed, but never
// below MinWorkers.
func (p *WorkerPool) reapIdleWorkers() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			for _, w := range p.workers {
				if len(p.workers) <= p.cfg.MinWorkers {
					break
				}
				if !w.busy && !w.idleDeadline.IsZero() && now.After(w.idleDeadline) {
					p.removeWorkerLocked(w, EventWorkerDestroyed, true)
				}
			}
			p.mu.Unlock()
		}
	}
}

// WarmUp primes every idle worker with a no-op task so the first real
// request does not pay cold-start cost.
func (p *WorkerPool) WarmUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.busy {
			continue
		}
		task := NewTask("", "", 0)
		task.noop = true
		p.assignLocked(w, task)
	}
}

// GetStats returns a consistent snapshot.
func (p *WorkerPool) GetStats() WorkerPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, w := range p.workers {
		if w.busy {
			active++
		}
	}
	return WorkerPoolStats{
		ActiveWorkers:    len(p.workers),
		QueueLength:      len(p.queue),
		ActiveTasks:      active,
		TotalTasks:       p.totalTasks,
		CompletedTasks:   p.completedTasks,
		FailedTasks:      p.failedTasks,
		WorkersCreated:   p.created,
		WorkersDestroyed: p.destroyed,
		PeakWorkers:      p.peakWorkers,
		Config:           p.cfg,
	}
}

// Shutdown stops admission, rejects everything still queued, waits for
// in-flight tasks up to the deadline, then terminates all workers. Tasks
// still running at the deadline are rejected with SHUTTING_DOWN.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.reaperOnce.Do(func() { close(p.reaperStop) })

	p.mu.Lock()
	p.draining = true
	for _, task := range p.queue {
		task.resolve(TaskResult{Err: NewExtractError(ErrCodeShuttingDown, "service is shutting down")})
	}
	p.queue = nil
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.GetStats().ActiveTasks == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.mu.Lock()
	var aborted int
	for _, w := range p.workers {
		if w.busy && w.current != nil {
			aborted++
			p.failedTasks++
			w.current.resolve(TaskResult{Err: NewExtractError(ErrCodeShuttingDown, "service is shutting down")})
		}
		delete(p.workers, w.id)
		p.destroyed++
		if !w.busy {
			close(w.tasks)
		}
	}
	p.mu.Unlock()

	if aborted > 0 {
		p.logger.Warn("worker pool shutdown aborted in-flight tasks", slog.Int("aborted", aborted))
		return fmt.Errorf("worker pool shutdown timed out with %d tasks in flight", aborted)
	}
	p.logger.Info("worker pool drained")
	return nil
}
