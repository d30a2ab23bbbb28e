package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

const sweepBatchSize = 100

// SessionTracker reports whether a pairing loop already owns a session.
type SessionTracker interface {
	Running(sessionID string) bool
}

// SweeperOptions configures the stale-connecting sweeper.
type SweeperOptions struct {
	Spec        string        // cron spec, e.g. "@every 1m"
	StaleAfter  time.Duration // how long a row may sit in connecting unattended
	CallTimeout time.Duration // per gateway call
}

// StaleSweeper periodically re-checks instances left in connecting with no
// pairing loop, e.g. after a restart or an expired loop.
type StaleSweeper struct {
	repo     storage.InstanceRepo
	provider provider.Client
	creds    *CredentialResolver
	applier  StateApplier
	tracker  SessionTracker
	opts     SweeperOptions
	sched    *cron.Cron
	log      *zap.Logger
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewStaleSweeper creates the sweeper. Start schedules it.
func NewStaleSweeper(
	repo storage.InstanceRepo,
	client provider.Client,
	creds *CredentialResolver,
	applier StateApplier,
	tracker SessionTracker,
	opts SweeperOptions,
	baseLogger *zap.Logger,
) *StaleSweeper {
	if opts.Spec == "" {
		opts.Spec = "@every 1m"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	log := baseLogger.Named("stale_sweeper")
	cronLog := cron.PrintfLogger(zap.NewStdLog(log))
	return &StaleSweeper{
		repo:     repo,
		provider: client,
		creds:    creds,
		applier:  applier,
		tracker:  tracker,
		opts:     opts,
		sched: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log: log,
	}
}

// Start schedules the sweep.
func (s *StaleSweeper) Start() error {
	_, err := s.sched.AddFunc(s.opts.Spec, func() {
		ctx := logger.WithLogger(context.Background(), s.log)
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("Sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.opts.Spec, err)
	}
	s.sched.Start()
	s.log.Info("Stale sweeper scheduled",
		zap.String("spec", s.opts.Spec),
		zap.Duration("stale_after", s.opts.StaleAfter))
	return nil
}

// Stop stops scheduling and waits for a running sweep or ctx.
func (s *StaleSweeper) Stop(ctx context.Context) {
	select {
	case <-s.sched.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("Sweeper did not stop in time")
	}
}

// Sweep visits one batch of stale rows and returns how many changed status.
// A gateway that cannot be reached leaves the status as it is. Rows that stay
// in connecting are stamped as visited and wait StaleAfter before the next look.
func (s *StaleSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := utils.Now().Add(-s.opts.StaleAfter)
	stale, err := s.repo.FindStaleConnecting(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale instances: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	changed := 0
	for i := range stale {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		if s.visit(ctx, &stale[i]) == OutcomeApplied {
			changed++
			continue
		}
		s.markVisited(ctx, stale[i].InstanceName)
	}

	logger.FromContextOr(ctx, s.log).Info("Sweep finished",
		zap.Int("visited", len(stale)),
		zap.Int("changed", changed))
	return changed, nil
}

func (s *StaleSweeper) visit(ctx context.Context, inst *model.Instance) Outcome {
	ctx = tenant.WithAccountID(ctx, inst.AccountID)
	log := logger.FromContextOr(ctx, s.log).With(zap.String("session_id", inst.InstanceName))

	if s.tracker != nil && s.tracker.Running(inst.InstanceName) {
		observer.IncSweeperReconciled("skipped_active")
		return OutcomeUnchanged
	}

	creds, err := s.creds.ForInstance(inst)
	if err != nil {
		log.Warn("No credentials for stale instance", zap.Error(err))
		observer.IncSweeperReconciled("no_credentials")
		return OutcomeFailed
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	state, err := s.provider.QueryStatus(callCtx, creds, inst.InstanceName)
	cancel()
	if err != nil {
		log.Warn("Gateway unreachable, keeping connecting", zap.Error(err))
		observer.IncSweeperReconciled("unreachable")
		return OutcomeFailed
	}

	outcome := s.applier.ApplyProviderState(ctx, inst.InstanceName, state, "", model.SourceSweeper)
	observer.IncSweeperReconciled(string(outcome))
	return outcome
}

// markVisited bumps updated_at on a row still left in connecting so the next
// batch starts with rows that have not been looked at yet.
func (s *StaleSweeper) markVisited(ctx context.Context, name string) {
	_, err := s.repo.Mutate(ctx, name, func(current model.Instance) model.InstanceUpdate {
		if current.Status != model.StatusConnecting {
			return model.InstanceUpdate{}
		}
		return model.InstanceUpdate{Touch: true}
	})
	if err != nil && !apperrors.IsNotFoundError(err) {
		logger.FromContextOr(ctx, s.log).Warn("Failed to mark swept instance",
			zap.String("session_id", name), zap.Error(err))
	}
}
