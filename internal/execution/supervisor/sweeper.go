package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strandhq/strand/internal/common/logger"
)

// Common errors
var (
	ErrSweeperAlreadyRunning = errors.New("sweeper is already running")
	ErrSweeperNotRunning     = errors.New("sweeper is not running")
)

// Sweeper periodically fails executions that outlived the deadline. It is
// the safety net behind the per-stream deadline check: if the stream handler
// that owned an execution died, the sweeper still releases the scope.
type Sweeper struct {
	supervisor *Supervisor
	logger     *logger.Logger
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper running at the given interval.
func NewSweeper(sup *Supervisor, log *logger.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		supervisor: sup,
		logger:     log.WithFields(zap.String("component", "sweeper")),
		interval:   interval,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("sweeper starting", zap.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	return nil
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSweeperNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping due to context cancellation")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep fails every active execution whose deadline has passed.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.supervisor.Deadline())
	expired, err := s.supervisor.store.ListActiveOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list expired executions", zap.Error(err))
		return
	}

	for _, exec := range expired {
		deadline := exec.CreatedAt.Add(s.supervisor.Deadline())
		applied, err := s.supervisor.EnforceTimeout(ctx, exec, deadline)
		if err != nil {
			s.logger.Error("failed to enforce timeout",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
			continue
		}
		if applied {
			s.logger.Info("swept expired execution",
				zap.String("execution_id", exec.ID))
		}
	}
}
