package usecase

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	providermock "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider/mock"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

func init() {
	// Initialize logger for tests
	logger.Log = zap.NewNop().Named("test")
}

// --- in-memory store --- //

type memRepo struct {
	mu           sync.Mutex
	rows         map[string]*model.Instance // by account
	limits       map[string]int
	defaultLimit int
	nextID       int64
	mutateErr    error
	mutations    int
}

var _ storage.InstanceRepo = (*memRepo)(nil)

func newMemRepo(defaultLimit int) *memRepo {
	return &memRepo{
		rows:         make(map[string]*model.Instance),
		limits:       make(map[string]int),
		defaultLimit: defaultLimit,
	}
}

func (r *memRepo) seed(inst *model.Instance) *model.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	inst.ID = r.nextID
	cp := *inst
	r.rows[inst.AccountID] = &cp
	return inst
}

func (r *memRepo) byName(name string) *model.Instance {
	for _, row := range r.rows {
		if row.InstanceName == name {
			return row
		}
	}
	return nil
}

func (r *memRepo) get(name string) (model.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.byName(name)
	if row == nil {
		return model.Instance{}, false
	}
	return *row, true
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *memRepo) FindByAccount(_ context.Context, accountID string) (*model.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[accountID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memRepo) FindByInstanceName(_ context.Context, name string) (*model.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.byName(name)
	if row == nil {
		return nil, apperrors.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memRepo) Create(_ context.Context, inst *model.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[inst.AccountID]; ok || r.byName(inst.InstanceName) != nil {
		return apperrors.ErrDuplicate
	}
	if inst.Status == "" {
		inst.Status = model.StatusPending
	}
	r.nextID++
	inst.ID = r.nextID
	inst.CreatedAt = utils.Now()
	inst.UpdatedAt = inst.CreatedAt
	cp := *inst
	r.rows[inst.AccountID] = &cp
	return nil
}

func (r *memRepo) Update(ctx context.Context, name string, update model.InstanceUpdate) (*storage.InstanceChange, error) {
	return r.Mutate(ctx, name, func(model.Instance) model.InstanceUpdate { return update })
}

func (r *memRepo) Mutate(_ context.Context, name string, fn storage.Mutator) (*storage.InstanceChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutateErr != nil {
		return nil, r.mutateErr
	}
	row := r.byName(name)
	if row == nil {
		return nil, apperrors.ErrNotFound
	}
	prev := *row
	upd := fn(prev)
	if upd.IsEmpty() {
		return &storage.InstanceChange{Previous: prev, Current: prev}, nil
	}
	r.mutations++
	upd.Apply(row, utils.Now())
	return &storage.InstanceChange{Previous: prev, Current: *row, Written: true}, nil
}

func (r *memRepo) Rename(ctx context.Context, accountID, newName, userID string) (*storage.InstanceChange, error) {
	r.mu.Lock()
	row, ok := r.rows[accountID]
	var current string
	if ok {
		current = row.InstanceName
	}
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	pending := model.StatusPending
	return r.Mutate(ctx, current, func(model.Instance) model.InstanceUpdate {
		return model.InstanceUpdate{InstanceName: &newName, UserID: &userID, Status: &pending}
	})
}

func (r *memRepo) CountActiveForAccount(_ context.Context, accountID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[accountID]
	if ok && row.Status.IsActive() {
		return 1, nil
	}
	return 0, nil
}

func (r *memRepo) InstanceLimitForAccount(_ context.Context, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit, ok := r.limits[accountID]; ok {
		return limit, nil
	}
	return r.defaultLimit, nil
}

func (r *memRepo) FindStaleConnecting(_ context.Context, olderThan time.Time, limit int) ([]model.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Instance
	for _, row := range r.rows {
		if row.Status == model.StatusConnecting && row.UpdatedAt.Before(olderThan) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].InstanceName < out[j].InstanceName
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- push channel --- //

type emitted struct {
	SessionID string
	Payload   model.StatusPayload
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(ctx context.Context, sessionID, status, message string) {
	e.EmitPayload(ctx, sessionID, model.StatusPayload{Status: status, Message: message})
}

func (e *recordingEmitter) EmitPayload(_ context.Context, sessionID string, payload model.StatusPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{SessionID: sessionID, Payload: payload})
}

func (e *recordingEmitter) statuses(sessionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.SessionID == sessionID {
			out = append(out, ev.Payload.Status)
		}
	}
	return out
}

func (e *recordingEmitter) last(sessionID string) (model.StatusPayload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].SessionID == sessionID {
			return e.events[i].Payload, true
		}
	}
	return model.StatusPayload{}, false
}

// --- status feed --- //

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []model.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.StatusEvent(nil), p.events...)
}

// --- workers --- //

// goRunner runs every task on its own goroutine.
type goRunner struct{}

func (goRunner) Submit(task func()) error {
	go task()
	return nil
}

// --- wiring --- //

var testCreds = model.Credentials{BaseURL: "https://gw.example.com", APIKey: "global-key"}

func testProviderConfig() config.ProviderConfig {
	return config.ProviderConfig{GlobalBaseURL: testCreds.BaseURL, GlobalAPIKey: testCreds.APIKey}
}

func quietPairingConfig() config.PairingConfig {
	return config.PairingConfig{
		QRRefreshInterval:  time.Hour,
		StatusPollInterval: time.Hour,
		CallTimeout:        time.Second,
		MaxLifetime:        time.Hour,
		MaxSessions:        10,
	}
}

type harness struct {
	repo       *memRepo
	provider   *providermock.ClientMock
	emitter    *recordingEmitter
	publisher  *recordingPublisher
	reconciler *Reconciler
	supervisor *PairingSupervisor
	service    *ConnectionService
}

func newHarness(t *testing.T, pairing config.PairingConfig, providerCfg config.ProviderConfig) *harness {
	t.Helper()
	// Loop goroutines can outlive the test body, zaptest would fail on them.
	log := zap.NewNop()

	h := &harness{
		repo:      newMemRepo(1),
		provider:  new(providermock.ClientMock),
		emitter:   &recordingEmitter{},
		publisher: &recordingPublisher{},
	}
	h.reconciler = NewReconciler(h.repo, h.emitter, h.publisher, log)
	h.supervisor = NewPairingSupervisor(pairing, h.provider, goRunner{}, h.reconciler, h.emitter, log)
	h.reconciler.AttachObserver(h.supervisor)
	h.service = NewConnectionService(h.repo, h.provider, NewCredentialResolver(providerCfg), h.supervisor, h.reconciler, pairing.QRRefreshInterval, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.supervisor.Shutdown(ctx)
	})
	return h
}

func (h *harness) status(t *testing.T, name string) model.Status {
	t.Helper()
	row, ok := h.repo.get(name)
	if !ok {
		return ""
	}
	return row.Status
}
