package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/notify"
)

// Info describes a registered job and its last known state.
type Info struct {
	ID         uuid.UUID                `json:"id"`
	Name       string                   `json:"name"`
	CanCancel  bool                     `json:"can_cancel"`
	Parameters map[string]ParameterType `json:"parameters"`
	Status     *models.JobStatus        `json:"status,omitempty"`
}

// Manager owns registered jobs and their runs. At most one run per job is
// active at a time.
type Manager struct {
	states StateManager
	events notify.Publisher
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	base    context.Context
	jobs    map[uuid.UUID]Job
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager returns a Manager persisting state through states.
func NewManager(states StateManager, events notify.Publisher, logger *slog.Logger) *Manager {
	if events == nil {
		events = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		states:  states,
		events:  events,
		logger:  logger,
		cron:    cron.New(),
		base:    context.Background(),
		jobs:    make(map[uuid.UUID]Job),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Register adds job. A run left queued or running by a previous process is
// recorded as aborted.
func (m *Manager) Register(ctx context.Context, job Job) error {
	m.mu.Lock()
	if _, ok := m.jobs[job.ID()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("jobs: %s: %w", job.Name(), apperr.ErrAlreadyExists)
	}
	m.jobs[job.ID()] = job
	m.mu.Unlock()

	st, err := m.states.JobStatus(ctx, job.ID())
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return m.states.SetJobState(ctx, job.ID(), job.Name(), models.JobNotRun)
	case err != nil:
		return err
	case st.State == models.JobRunning || st.State == models.JobQueued:
		if err := m.states.SetJobProgress(ctx, job.ID(), "interrupted by shutdown", st.Progress); err != nil {
			return err
		}
		return m.states.SetJobState(ctx, job.ID(), job.Name(), models.JobAborted)
	}
	return nil
}

func (m *Manager) job(id uuid.UUID) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job", id.String())
	}
	return job, nil
}

// Lookup returns the id of the job registered under name.
func (m *Manager) Lookup(name string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.Name() == name {
			return id, nil
		}
	}
	return uuid.Nil, apperr.NotFound("job", name)
}

// Jobs lists registered jobs ordered by name.
func (m *Manager) Jobs(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name() < jobs[k].Name() })

	out := make([]Info, 0, len(jobs))
	for _, j := range jobs {
		info := Info{ID: j.ID(), Name: j.Name(), CanCancel: j.CanCancel(), Parameters: j.Parameters()}
		st, err := m.states.JobStatus(ctx, j.ID())
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		info.Status = st
		out = append(out, info)
	}
	return out, nil
}

// Status returns the persisted state of id.
func (m *Manager) Status(ctx context.Context, id uuid.UUID) (*models.JobStatus, error) {
	if _, err := m.job(id); err != nil {
		return nil, err
	}
	return m.states.JobStatus(ctx, id)
}

// Start queues a run of id. It fails with apperr.ErrConflict when the job
// is already running.
func (m *Manager) Start(ctx context.Context, id uuid.UUID, params map[string]string) error {
	job, err := m.job(id)
	if err != nil {
		return err
	}
	if err := ValidateParams(job, params); err != nil {
		return err
	}

	m.mu.Lock()
	if _, busy := m.running[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("jobs: %s is already running: %w", job.Name(), apperr.ErrConflict)
	}
	runCtx, cancel := context.WithCancel(m.base)
	m.running[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.transition(ctx, job, models.JobQueued)
	go m.run(runCtx, cancel, job, params)
	return nil
}

// Cancel requests that a running job stop.
func (m *Manager) Cancel(id uuid.UUID) error {
	job, err := m.job(id)
	if err != nil {
		return err
	}
	if !job.CanCancel() {
		return fmt.Errorf("jobs: %s cannot be cancelled: %w", job.Name(), apperr.ErrConflict)
	}
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("jobs: %s is not running: %w", job.Name(), apperr.ErrConflict)
	}
	cancel()
	return nil
}

// Schedule starts id on a cron spec. Runs that find the job busy are skipped.
func (m *Manager) Schedule(id uuid.UUID, spec string) error {
	job, err := m.job(id)
	if err != nil {
		return err
	}
	err = m.cron.AddFunc(spec, func() {
		m.mu.Lock()
		ctx := m.base
		m.mu.Unlock()
		if err := m.Start(ctx, id, nil); err != nil {
			m.logger.Warn("scheduled job skipped", "job", job.Name(), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("jobs: schedule %s %q: %w", job.Name(), spec, err)
	}
	m.logger.Info("job scheduled", "job", job.Name(), "spec", spec)
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then cancels every
// running job and waits for them to finish.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	m.cron.Start()
	<-ctx.Done()
	m.cron.Stop()

	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// Wait blocks until every started run has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, job Job, params map[string]string) {
	defer m.wg.Done()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, job.ID())
		m.mu.Unlock()
	}()
	// state writes outlive cancellation of the run itself
	stateCtx := context.WithoutCancel(ctx)

	m.transition(stateCtx, job, models.JobRunning)
	err := m.invoke(ctx, job, params)
	switch {
	case err == nil:
		m.progress(stateCtx, job, "completed", 1)
		m.transition(stateCtx, job, models.JobCompleted)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		m.progress(stateCtx, job, "cancelled", -1)
		m.transition(stateCtx, job, models.JobCancelled)
	default:
		m.logger.Error("job aborted", "job", job.Name(), "error", err)
		m.progress(stateCtx, job, err.Error(), -1)
		m.transition(stateCtx, job, models.JobAborted)
	}
}

// invoke runs the job, turning a panic into an error.
func (m *Manager) invoke(ctx context.Context, job Job, params map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx, params, func(text string, fraction float64) {
		m.progress(context.WithoutCancel(ctx), job, text, min(max(fraction, 0), 1))
	})
}

// progress records a status line; a negative fraction keeps the last one.
func (m *Manager) progress(ctx context.Context, job Job, text string, fraction float64) {
	if fraction < 0 {
		if st, err := m.states.JobStatus(ctx, job.ID()); err == nil {
			fraction = st.Progress
		} else {
			fraction = 0
		}
	}
	if err := m.states.SetJobProgress(ctx, job.ID(), text, fraction); err != nil {
		m.logger.Warn("job progress not recorded", "job", job.Name(), "error", err)
	}
}

func (m *Manager) transition(ctx context.Context, job Job, state models.JobState) {
	if err := m.states.SetJobState(ctx, job.ID(), job.Name(), state); err != nil {
		m.logger.Warn("job state not recorded", "job", job.Name(), "state", state, "error", err)
	}
	m.logger.Info("job state", "job", job.Name(), "state", state)
	m.events.Publish(ctx, notify.JobState, map[string]any{"job_id": job.ID(), "name": job.Name(), "state": state})
}
