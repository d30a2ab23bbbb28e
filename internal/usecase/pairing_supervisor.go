package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/session"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// Phase is the lifecycle position of a pairing session.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseAwaitingQR   Phase = "awaiting_qr"
	PhaseAwaitingScan Phase = "awaiting_scan"
	PhaseConnected    Phase = "connected"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether the loop has ended in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseConnected || p == PhaseFailed || p == PhaseCancelled
}

// Push-channel labels used only by the pairing loop.
const (
	pushStatusTimeout = "timeout"
	pushMessageQR     = "scan the QR code with WhatsApp"
	pushMessageExpiry = "pairing timed out, request a new QR code"
	pushMessageFailed = "pairing failed, request a new QR code"
)

const (
	timerQRRefresh  = "qr_refresh"
	timerStatusPoll = "status_poll"
)

// PairingRequest starts a pairing loop. Seed, when set, is material the caller
// already fetched and the loop starts straight in awaiting_scan.
type PairingRequest struct {
	SessionID   string
	AccountID   string
	PhoneHint   string
	Credentials model.Credentials
	Seed        *model.PairingMaterial
}

type pairingTask struct {
	req       PairingRequest
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu       sync.Mutex
	phase    Phase
	material *model.PairingMaterial

	qrInFlight   atomic.Bool
	pollInFlight atomic.Bool
}

func (t *pairingTask) getPhase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// setPhase moves the task forward. Terminal phases are sticky.
func (t *pairingTask) setPhase(p Phase) (previous Phase, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous = t.phase
	if previous.Terminal() {
		return previous, false
	}
	t.phase = p
	return previous, true
}

// PairingSupervisor owns one refresh loop per session: a QR refresh timer and
// a status poll timer. Loops end on connected, failure, cancel or lifetime.
type PairingSupervisor struct {
	cfg      config.PairingConfig
	provider provider.Client
	runner   TaskRunner
	applier  StateApplier
	emitter  session.Emitter
	log      *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*pairingTask
	closed bool
	wg     sync.WaitGroup
}

var _ StatusObserver = (*PairingSupervisor)(nil)

// NewPairingSupervisor creates a supervisor. Zero intervals fall back to the
// gateway's QR lifetime defaults.
func NewPairingSupervisor(
	cfg config.PairingConfig,
	client provider.Client,
	runner TaskRunner,
	applier StateApplier,
	emitter session.Emitter,
	baseLogger *zap.Logger,
) *PairingSupervisor {
	if cfg.QRRefreshInterval <= 0 {
		cfg.QRRefreshInterval = 30 * time.Second
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = cfg.StatusPollInterval
	}
	return &PairingSupervisor{
		cfg:      cfg,
		provider: client,
		runner:   runner,
		applier:  applier,
		emitter:  emitter,
		log:      baseLogger.Named("pairing_supervisor"),
		tasks:    make(map[string]*pairingTask),
	}
}

// Begin starts the loop for a session. A running loop is reused and Begin
// reports started=false.
func (s *PairingSupervisor) Begin(ctx context.Context, req PairingRequest) (started bool, err error) {
	if req.SessionID == "" {
		return false, fmt.Errorf("%w: session id is required", apperrors.ErrValidation)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: pairing supervisor is shutting down", apperrors.ErrRateLimited)
	}
	if _, running := s.tasks[req.SessionID]; running {
		s.mu.Unlock()
		return false, nil
	}
	if s.cfg.MaxSessions > 0 && len(s.tasks) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %d pairing sessions already running", apperrors.ErrRateLimited, s.cfg.MaxSessions)
	}

	// The loop outlives the request that started it.
	base := tenant.WithAccountID(context.Background(), req.AccountID)
	if requestID, err := tenant.FromRequestIDContext(ctx); err == nil {
		base = tenant.WithRequestID(base, requestID)
	}
	taskLog := s.log.With(zap.String("session_id", req.SessionID), zap.String("account_id", req.AccountID))
	taskCtx, cancel := context.WithCancel(logger.WithLogger(base, taskLog))

	task := &pairingTask{
		req:       req,
		ctx:       taskCtx,
		cancel:    cancel,
		startedAt: utils.Now(),
		phase:     PhaseIdle,
	}
	s.tasks[req.SessionID] = task
	active := len(s.tasks)
	s.wg.Add(1)
	s.mu.Unlock()

	observer.SetActivePairingSessions(active)
	taskLog.Info("Pairing loop started", zap.Bool("seeded", req.Seed != nil))

	utils.SafeGo(func() { s.run(task) }, func(r interface{}, stack []byte) {
		taskLog.Error("Pairing loop panicked", zap.Any("panic", r), zap.ByteString("stack", stack))
		s.finishTask(task, PhaseFailed)
	})
	return true, nil
}

// Cancel stops the session's loop. It reports whether a loop was running.
func (s *PairingSupervisor) Cancel(sessionID string) bool {
	task := s.lookup(sessionID)
	if task == nil {
		return false
	}
	return s.finishTask(task, PhaseCancelled)
}

// ObserveStatus ends the loop when the session connects, or when the gateway
// closes it while a QR is being shown.
func (s *PairingSupervisor) ObserveStatus(ctx context.Context, sessionID string, status model.Status) {
	task := s.lookup(sessionID)
	if task == nil {
		return
	}

	switch status {
	case model.StatusConnected:
		s.finishTask(task, PhaseConnected)
	case model.StatusDisconnected, model.StatusError:
		if task.getPhase() != PhaseAwaitingScan {
			return
		}
		logger.FromContextOr(ctx, s.log).Info("Gateway closed the session while pairing",
			zap.String("session_id", sessionID))
		if s.finishTask(task, PhaseFailed) {
			s.emitter.Emit(task.ctx, sessionID, string(model.StatusError), pushMessageFailed)
		}
	}
}

// Phase returns the current phase of a running loop.
func (s *PairingSupervisor) Phase(sessionID string) (Phase, bool) {
	task := s.lookup(sessionID)
	if task == nil {
		return "", false
	}
	return task.getPhase(), true
}

// Latest returns the most recent pairing material if it is younger than maxAge.
func (s *PairingSupervisor) Latest(sessionID string, maxAge time.Duration) (*model.PairingMaterial, bool) {
	task := s.lookup(sessionID)
	if task == nil {
		return nil, false
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.material == nil || time.Since(task.material.FetchedAt) > maxAge {
		return nil, false
	}
	m := *task.material
	return &m, true
}

// Running reports whether a loop exists for the session.
func (s *PairingSupervisor) Running(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

// Len returns the number of running loops.
func (s *PairingSupervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every loop and waits for them to exit or ctx to expire.
func (s *PairingSupervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*pairingTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.finishTask(t, PhaseCancelled)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Pairing supervisor stopped", zap.Int("cancelled", len(tasks)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: pairing loops still running: %w", apperrors.ErrTimeout, ctx.Err())
	}
}

func (s *PairingSupervisor) lookup(sessionID string) *pairingTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[sessionID]
}

// finishTask removes task if it is still the current one for its session and
// cancels its timers and in-flight calls. Safe to call from inside the loop.
func (s *PairingSupervisor) finishTask(task *pairingTask, phase Phase) bool {
	s.mu.Lock()
	current, ok := s.tasks[task.req.SessionID]
	if ok && current == task {
		delete(s.tasks, task.req.SessionID)
	}
	active := len(s.tasks)
	s.mu.Unlock()

	previous, moved := task.setPhase(phase)
	task.cancel()
	if !moved {
		return false
	}

	observer.SetActivePairingSessions(active)
	observer.IncPairingSessionFinished(string(phase))
	logger.FromContext(task.ctx).Info("Pairing loop finished",
		zap.String("from_phase", string(previous)),
		zap.String("phase", string(phase)),
		zap.Duration("elapsed", time.Since(task.startedAt)))
	return true
}

func (s *PairingSupervisor) run(task *pairingTask) {
	defer s.wg.Done()

	task.setPhase(PhaseAwaitingQR)
	if task.req.Seed != nil {
		s.onMaterial(task, task.req.Seed)
	} else {
		s.dispatchRefresh(task)
	}

	qr := time.NewTicker(s.cfg.QRRefreshInterval)
	defer qr.Stop()
	poll := time.NewTicker(s.cfg.StatusPollInterval)
	defer poll.Stop()

	var lifetime <-chan time.Time
	if s.cfg.MaxLifetime > 0 {
		timer := time.NewTimer(s.cfg.MaxLifetime)
		defer timer.Stop()
		lifetime = timer.C
	}

	for {
		select {
		case <-task.ctx.Done():
			return
		case <-lifetime:
			if s.finishTask(task, PhaseFailed) {
				s.emitter.Emit(task.ctx, task.req.SessionID, pushStatusTimeout, pushMessageExpiry)
			}
			return
		case <-qr.C:
			s.dispatchRefresh(task)
		case <-poll.C:
			if task.getPhase() == PhaseAwaitingScan {
				s.dispatchPoll(task)
			}
		}
	}
}

// dispatchRefresh fetches fresh pairing material on the pool. A tick that
// finds the previous fetch still running is dropped.
func (s *PairingSupervisor) dispatchRefresh(task *pairingTask) {
	if !task.qrInFlight.CompareAndSwap(false, true) {
		observer.IncPairingTickSkipped(timerQRRefresh)
		logger.FromContext(task.ctx).Debug("QR refresh still in flight, skipping tick")
		return
	}

	err := s.runner.Submit(func() {
		defer utils.RecoverWithLog(task.ctx, "pairing.qr_refresh")
		defer task.qrInFlight.Store(false)
		ctx, cancel := context.WithTimeout(task.ctx, s.cfg.CallTimeout)
		defer cancel()

		material, err := s.provider.RequestConnect(ctx, task.req.Credentials, task.req.SessionID, task.req.PhoneHint)
		if err != nil {
			s.onCallError(task, timerQRRefresh, err)
			return
		}
		s.onMaterial(task, material)
	})
	if err != nil {
		task.qrInFlight.Store(false)
		observer.IncPairingTickSkipped(timerQRRefresh)
		logger.FromContext(task.ctx).Warn("Could not schedule QR refresh", zap.Error(err))
	}
}

// dispatchPoll queries the gateway for the connection state and feeds it to
// the reconciler, which ends the loop on connected.
func (s *PairingSupervisor) dispatchPoll(task *pairingTask) {
	if !task.pollInFlight.CompareAndSwap(false, true) {
		observer.IncPairingTickSkipped(timerStatusPoll)
		logger.FromContext(task.ctx).Debug("Status poll still in flight, skipping tick")
		return
	}

	err := s.runner.Submit(func() {
		defer utils.RecoverWithLog(task.ctx, "pairing.status_poll")
		defer task.pollInFlight.Store(false)
		ctx, cancel := context.WithTimeout(task.ctx, s.cfg.CallTimeout)
		defer cancel()

		state, err := s.provider.QueryStatus(ctx, task.req.Credentials, task.req.SessionID)
		if err != nil {
			s.onCallError(task, timerStatusPoll, err)
			return
		}
		if task.ctx.Err() != nil {
			return
		}
		s.applier.ApplyProviderState(task.ctx, task.req.SessionID, state, "", model.SourcePoll)
	})
	if err != nil {
		task.pollInFlight.Store(false)
		observer.IncPairingTickSkipped(timerStatusPoll)
		logger.FromContext(task.ctx).Warn("Could not schedule status poll", zap.Error(err))
	}
}

func (s *PairingSupervisor) onMaterial(task *pairingTask, material *model.PairingMaterial) {
	task.mu.Lock()
	if task.phase.Terminal() {
		task.mu.Unlock()
		return
	}
	first := task.phase != PhaseAwaitingScan
	task.phase = PhaseAwaitingScan
	task.material = material
	task.mu.Unlock()

	if first {
		s.applier.MarkPairing(task.ctx, task.req.SessionID)
	}
	s.emitter.EmitPayload(task.ctx, task.req.SessionID, model.StatusPayload{
		Status:        model.PushStatusPairing,
		Message:       pushMessageQR,
		QRImageBase64: material.QRImageBase64,
		PairingCode:   material.PairingCode,
	})
}

// onCallError keeps the loop alive on transient failures. A rejection means
// the gateway no longer knows the instance, which no retry fixes.
func (s *PairingSupervisor) onCallError(task *pairingTask, timer string, err error) {
	if task.ctx.Err() != nil {
		return
	}
	log := logger.FromContext(task.ctx).With(zap.String("timer", timer), zap.Error(err))

	if errors.Is(err, apperrors.ErrProviderRejected) {
		log.Warn("Gateway rejected pairing call, giving up")
		if s.finishTask(task, PhaseFailed) {
			s.emitter.Emit(task.ctx, task.req.SessionID, string(model.StatusError), pushMessageFailed)
		}
		return
	}
	log.Warn("Pairing call failed, retrying on next tick")
}
