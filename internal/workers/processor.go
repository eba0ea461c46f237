package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrBusy      = errors.New("project is already being processed")
	ErrQueueFull = errors.New("processing queue is full")
	ErrStopped   = errors.New("processor is stopped")
)

// Runner executes one compile run for a project.
type Runner interface {
	Run(ctx context.Context, projectID uuid.UUID) error
}

type runState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	rerun   bool
}

// Processor runs queued projects on a fixed pool of workers. It is the only
// writer of run state: a project has at most one run queued or in flight.
type Processor struct {
	runner  Runner
	workers int
	queue   chan uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[uuid.UUID]*runState
	closed bool
}

func NewProcessor(runner Runner, workers, queueSize int) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		runner:  runner,
		workers: workers,
		queue:   make(chan uuid.UUID, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		runs:    map[uuid.UUID]*runState{},
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.ctx.Done():
		}
	}()
	slog.Info("Processor started", "workers", p.workers, "queue", cap(p.queue))
}

// Submit queues a run. It fails with ErrBusy while the project already has
// one queued or running.
func (p *Processor) Submit(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStopped
	}
	if _, ok := p.runs[id]; ok {
		return ErrBusy
	}
	return p.enqueueLocked(id)
}

// Resubmit asks for a fresh run. If one is already in flight, another run
// follows it once it finishes; several requests collapse into one.
func (p *Processor) Resubmit(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStopped
	}
	if st, ok := p.runs[id]; ok {
		// a queued run has not read the project yet and will see the change
		if st.started {
			st.rerun = true
		}
		return nil
	}
	return p.enqueueLocked(id)
}

func (p *Processor) enqueueLocked(id uuid.UUID) error {
	ctx, cancel := context.WithCancel(p.ctx)
	st := &runState{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	select {
	case p.queue <- id:
		p.runs[id] = st
		return nil
	default:
		cancel()
		return ErrQueueFull
	}
}

// Cancel stops the project's run, if any, and waits for it to return.
func (p *Processor) Cancel(id uuid.UUID) {
	p.mu.Lock()
	st, ok := p.runs[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.rerun = false
	st.cancel()
	if !st.started {
		// still queued: the worker that dequeues it will find nothing to do
		delete(p.runs, id)
		close(st.done)
	}
	p.mu.Unlock()

	<-st.done
}

func (p *Processor) Busy(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[id]
	return ok
}

// Stop cancels every run, waits for the workers and rejects new work.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, st := range p.runs {
		st.rerun = false
		st.cancel()
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	for id, st := range p.runs {
		delete(p.runs, id)
		close(st.done)
	}
	p.mu.Unlock()
	slog.Info("Processor stopped")
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			p.process(id)
		}
	}
}

func (p *Processor) process(id uuid.UUID) {
	p.mu.Lock()
	st, ok := p.runs[id]
	if !ok || st.started {
		p.mu.Unlock()
		return
	}
	st.started = true
	p.mu.Unlock()

	logCtx := slog.With("projectId", id)
	for {
		if st.ctx.Err() == nil {
			if err := p.runner.Run(st.ctx, id); err != nil {
				logCtx.Error("Run failed", "error", err)
			}
		}

		p.mu.Lock()
		if st.rerun && st.ctx.Err() == nil {
			st.rerun = false
			p.mu.Unlock()
			logCtx.Info("Running again for changes made during the previous run")
			continue
		}
		delete(p.runs, id)
		st.cancel()
		close(st.done)
		p.mu.Unlock()
		return
	}
}
