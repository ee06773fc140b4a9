package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = time.Minute

// Job is a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Manager runs registered jobs on their intervals until stopped.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager binds a manager to parent; cancelling parent stops every job.
func NewManager(parent context.Context, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel, logger: logger}
}

// Register adds a job; jobs registered after Start are ignored.
func (manager *Manager) Register(job Job) {
	if job == nil {
		return
	}
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.jobs = append(manager.jobs, job)
}

// Start launches one goroutine per job. Each job runs once immediately.
func (manager *Manager) Start() {
	manager.mu.Lock()
	if manager.started {
		manager.mu.Unlock()
		return
	}
	manager.started = true
	registered := append([]Job(nil), manager.jobs...)
	manager.mu.Unlock()

	for _, job := range registered {
		manager.wg.Add(1)
		go manager.runJob(job)
	}
}

// Stop cancels every job and waits for in-flight runs to return.
func (manager *Manager) Stop() {
	manager.cancel()
	manager.wg.Wait()
}

func (manager *Manager) runJob(job Job) {
	defer manager.wg.Done()
	interval := job.Interval()
	if interval <= 0 {
		interval = defaultInterval
	}
	manager.execute(job)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-manager.ctx.Done():
			return
		case <-ticker.C:
			manager.execute(job)
		}
	}
}

func (manager *Manager) execute(job Job) {
	if err := job.Run(manager.ctx); err != nil && manager.ctx.Err() == nil {
		manager.logger.Warn("background job failed", zap.String("job", job.Name()), zap.Error(err))
	}
}
