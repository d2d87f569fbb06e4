package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/repository"
)

var (
	// ErrAlreadyRunning means this process already runs a loop for the campaign
	ErrAlreadyRunning = errors.New("delivery loop already running for campaign")

	// ErrRunnerStopped means the runner no longer accepts work
	ErrRunnerStopped = errors.New("runner is stopped")
)

// releaseTimeout bounds lease release and parking writes after a loop ends
const releaseTimeout = 5 * time.Second

// LoopExecutor runs one delivery loop invocation
type LoopExecutor interface {
	Run(ctx context.Context, campaignID string, beat Heartbeat) (*LoopResult, error)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner supervises delivery loops, at most one per campaign
type Runner struct {
	loop      LoopExecutor
	locker    Locker
	campaigns repository.CampaignRepository
	clock     Clock
	logger    *zap.Logger

	// transient lease refresh failures are retried before the loop is interrupted
	refreshAttempts int
	refreshBackoff  time.Duration

	// an interrupted campaign is relaunched until its stale lease has expired
	relaunchAttempts int
	relaunchBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	wg      sync.WaitGroup
}

// NewRunner creates a new runner
func NewRunner(loop LoopExecutor, locker Locker, campaigns repository.CampaignRepository, logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		loop:             loop,
		locker:           locker,
		campaigns:        campaigns,
		clock:            SystemClock(),
		logger:           logger.With(zap.String("component", "runner")),
		refreshAttempts:  3,
		refreshBackoff:   2 * time.Second,
		relaunchAttempts: 12,
		relaunchBackoff:  15 * time.Second,
		ctx:              ctx,
		cancel:           cancel,
		tasks:            make(map[string]*task),
	}
}

// Launch takes the campaign lease and starts its loop in the background.
// It returns ErrAlreadyRunning or ErrLeaseNotObtained if another loop owns the campaign.
func (r *Runner) Launch(ctx context.Context, campaignID string) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRunnerStopped
	}
	if _, ok := r.tasks[campaignID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	t := &task{done: make(chan struct{})}
	r.tasks[campaignID] = t
	r.wg.Add(1)
	r.mu.Unlock()

	lease, err := r.locker.Acquire(ctx, campaignID)
	if err != nil {
		r.forget(campaignID)
		close(t.done)
		r.wg.Done()
		return err
	}

	taskCtx, cancel := context.WithCancel(r.ctx)
	t.cancel = cancel

	go r.supervise(taskCtx, campaignID, lease, t)

	r.logger.Info("Delivery loop launched", zap.String("campaign_id", campaignID))
	return nil
}

func (r *Runner) supervise(ctx context.Context, campaignID string, lease Lease, t *task) {
	defer r.wg.Done()
	log := r.logger.With(zap.String("campaign_id", campaignID))

	outcome, ok := r.execute(ctx, campaignID, lease, log)
	t.cancel()

	// the task is dropped before the status is read again, so a resume job
	// arriving from here on launches on its own
	r.forget(campaignID)
	close(t.done)

	if ok && outcome != OutcomeCompleted && outcome != OutcomeCancelled {
		r.relaunch(campaignID, outcome, log)
	}
}

// execute runs the loop once, parks the campaign if the loop fails and
// always releases the lease
func (r *Runner) execute(ctx context.Context, campaignID string, lease Lease, log *zap.Logger) (outcome LoopOutcome, ok bool) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			log.Warn("Failed to release campaign lease", zap.Error(err))
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Delivery loop panicked", zap.Any("panic", rec), zap.Stack("stack"))
			r.park(campaignID, log)
			outcome, ok = "", false
		}
	}()

	result, err := r.loop.Run(ctx, campaignID, r.heartbeat(lease, log))
	if err != nil {
		log.Error("Delivery loop aborted", zap.Error(err))
		r.park(campaignID, log)
		return "", false
	}

	fields := []zap.Field{
		zap.String("outcome", string(result.Outcome)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	}
	if result.PauseReason != nil {
		fields = append(fields, zap.String("pause_reason", string(*result.PauseReason)))
	}
	log.Info("Delivery loop finished", fields...)
	return result.Outcome, true
}

// heartbeat refreshes the lease, retrying transport errors. ErrLeaseLost is
// returned at once.
func (r *Runner) heartbeat(lease Lease, log *zap.Logger) Heartbeat {
	return func(ctx context.Context) error {
		var err error
		for attempt := 1; attempt <= r.refreshAttempts; attempt++ {
			if attempt > 1 {
				if sleepErr := r.clock.Sleep(ctx, r.refreshBackoff); sleepErr != nil {
					return sleepErr
				}
			}
			err = lease.Refresh(ctx)
			if err == nil || errors.Is(err, ErrLeaseLost) {
				return err
			}
			log.Warn("Campaign lease refresh failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}
}

// relaunch starts the campaign again if it is still running after its loop
// ended. A resume that raced the end of the previous loop lands here.
func (r *Runner) relaunch(campaignID string, outcome LoopOutcome, log *zap.Logger) {
	attempts := 1
	if outcome == OutcomeInterrupted {
		attempts = r.relaunchAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := r.clock.Sleep(r.ctx, r.relaunchBackoff); err != nil {
				return
			}
		}
		if r.ctx.Err() != nil {
			return
		}

		campaign, err := r.campaigns.GetByID(r.ctx, campaignID)
		if err != nil {
			log.Warn("Failed to re-read campaign after loop ended", zap.Error(err))
			continue
		}
		if campaign.Status != models.CampaignStatusRunning {
			return
		}

		err = r.Launch(r.ctx, campaignID)
		switch {
		case err == nil:
			log.Info("Campaign still running, delivery loop relaunched", zap.String("previous_outcome", string(outcome)))
			return
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrRunnerStopped):
			return
		case errors.Is(err, ErrLeaseNotObtained) && outcome != OutcomeInterrupted:
			log.Info("Campaign lease is held by another worker")
			return
		default:
			log.Warn("Failed to relaunch delivery loop",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}

	log.Warn("Campaign left running without a loop; worker recovery will requeue it")
}

// park pauses a campaign whose loop died so it does not stall in running
func (r *Runner) park(campaignID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	reason := models.PauseReasonLoopError
	err := r.campaigns.Transition(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusPaused, &reason)
	if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		log.Error("Failed to pause campaign after loop error", zap.Error(err))
	}
}

func (r *Runner) forget(campaignID string) {
	r.mu.Lock()
	delete(r.tasks, campaignID)
	r.mu.Unlock()
}

// Running reports whether a loop for the campaign is active in this process
func (r *Runner) Running(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[campaignID]
	return ok
}

// Wait blocks until the campaign's loop has ended or ctx is done
func (r *Runner) Wait(ctx context.Context, campaignID string) error {
	r.mu.Lock()
	t, ok := r.tasks[campaignID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels every loop and waits for them to finish their in-flight send
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("All delivery loops stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for delivery loops: %w", ctx.Err())
	}
}
