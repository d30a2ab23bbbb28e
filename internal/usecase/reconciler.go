package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/session"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// Outcome describes what a reconciliation did. It doubles as a metric label.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeUnknownInstance Outcome = "unknown_instance"
	OutcomeUnknownState    Outcome = "unknown_state"
	OutcomeIgnoredEvent    Outcome = "ignored_event"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeFailed          Outcome = "failed"
)

// StatusObserver is told about every canonical status seen for a session.
// The pairing supervisor uses it to end its loops.
type StatusObserver interface {
	ObserveStatus(ctx context.Context, sessionID string, status model.Status)
}

// StateApplier folds provider-reported state into the store.
type StateApplier interface {
	ApplyProviderState(ctx context.Context, sessionID string, state provider.State, phone, source string) Outcome
	MarkPairing(ctx context.Context, sessionID string) Outcome
	MarkError(ctx context.Context, sessionID, source string) Outcome
}

// Reconciler is the single writer of provider-driven status changes. Webhooks,
// the pairing poll and the sweeper all go through it.
type Reconciler struct {
	repo      storage.InstanceRepo
	emitter   session.Emitter
	publisher StatusPublisher
	observer  StatusObserver
	log       *zap.Logger
}

var _ StateApplier = (*Reconciler)(nil)

// NewReconciler creates a reconciler. A nil publisher disables the status feed.
func NewReconciler(repo storage.InstanceRepo, emitter session.Emitter, publisher StatusPublisher, baseLogger *zap.Logger) *Reconciler {
	if publisher == nil {
		publisher = NoopStatusPublisher{}
	}
	return &Reconciler{
		repo:      repo,
		emitter:   emitter,
		publisher: publisher,
		log:       baseLogger.Named("reconciler"),
	}
}

// AttachObserver wires the pairing supervisor after both are constructed.
func (r *Reconciler) AttachObserver(o StatusObserver) {
	r.observer = o
}

// HandleWebhook processes a provider callback. It never fails: every problem
// is logged and reported as an Outcome.
func (r *Reconciler) HandleWebhook(ctx context.Context, evt model.WebhookEvent) Outcome {
	log := logger.FromContextOr(ctx, r.log).With(
		zap.String("event", evt.Event),
		zap.String("instance", evt.Instance),
	)

	if err := validator.Validate(evt); err != nil {
		log.Warn("Discarding malformed webhook", zap.Error(err))
		observer.IncWebhookReceived("unknown", string(OutcomeInvalid))
		return OutcomeInvalid
	}

	eventType, known := model.MapToProviderEventType(evt.Event)
	if !known || eventType != model.ProviderConnectionUpdate {
		label := string(eventType)
		if !known {
			label = "unknown"
		}
		log.Debug("Ignoring non connection webhook")
		observer.IncWebhookReceived(label, string(OutcomeIgnoredEvent))
		return OutcomeIgnoredEvent
	}

	log = log.With(zap.String("session_id", evt.Instance), zap.String("provider_state", evt.Data.State), zap.String("source", model.SourceWebhook))
	if len(evt.Data.StatusReason) > 0 {
		log = log.With(zap.ByteString("status_reason", utils.CompactJSON(evt.Data.StatusReason)))
	}

	outcome := OutcomeUnknownState
	if status, ok := model.CanonicalStatusFromProvider(evt.Event, evt.Data.State); ok {
		outcome = r.applyStatus(logger.WithLogger(ctx, log), evt.Instance, status, evt.Data.Phone(), model.SourceWebhook)
	} else {
		log.Info("Unrecognized provider state, no transition")
	}
	observer.IncWebhookReceived(string(eventType), string(outcome))
	return outcome
}

// ApplyProviderState canonicalizes state and applies it to the session's row.
func (r *Reconciler) ApplyProviderState(ctx context.Context, sessionID string, state provider.State, phone, source string) Outcome {
	log := logger.FromContextOr(ctx, r.log).With(
		zap.String("session_id", sessionID),
		zap.String("provider_state", string(state)),
		zap.String("source", source),
	)

	status, ok := state.Canonical()
	if !ok {
		log.Info("Unrecognized provider state, no transition")
		return OutcomeUnknownState
	}
	return r.applyStatus(logger.WithLogger(ctx, log), sessionID, status, phone, source)
}

// applyStatus moves the row to status. Re-applying the current status writes
// nothing; connected keeps its original lastConnectedAt. A connected row never
// falls back to connecting, so late or reordered reports cannot rewind what
// the tab shows.
func (r *Reconciler) applyStatus(ctx context.Context, sessionID string, status model.Status, phone, source string) Outcome {
	log := logger.FromContextOr(ctx, r.log)

	change, err := r.commit(ctx, sessionID, source, func(current model.Instance) model.InstanceUpdate {
		if current.Status == status || regresses(current.Status, status) {
			return model.InstanceUpdate{}
		}
		upd := model.StatusUpdate(status)
		if status == model.StatusConnected {
			upd.LastConnectedAt = utils.NowPtr()
			if phone != "" {
				upd.PhoneNumber = &phone
			}
		}
		return upd
	}, status, source != model.SourcePoll && source != model.SourceSweeper)

	outcome := r.outcomeOf(log, change, err)
	if err == nil && change.Current.Status != status {
		log.Debug("Ignoring stale provider state", zap.String("current_status", string(change.Current.Status)))
		return OutcomeUnchanged
	}
	if outcome == OutcomeApplied || outcome == OutcomeUnchanged {
		r.notifyObserver(ctx, sessionID, status)
	}
	return outcome
}

// regresses reports whether moving from current to next would step back along
// pending, connecting, connected.
func regresses(current, next model.Status) bool {
	return current == model.StatusConnected && (next == model.StatusConnecting || next == model.StatusPending)
}

// MarkPairing moves a session into connecting once pairing material has been
// issued. A connected row is left alone.
func (r *Reconciler) MarkPairing(ctx context.Context, sessionID string) Outcome {
	change, err := r.commit(ctx, sessionID, model.SourcePairing, func(current model.Instance) model.InstanceUpdate {
		if current.Status == model.StatusConnecting || current.Status == model.StatusConnected {
			return model.InstanceUpdate{}
		}
		return model.StatusUpdate(model.StatusConnecting)
	}, model.StatusConnecting, true)
	return r.outcomeOf(logger.FromContextOr(ctx, r.log), change, err)
}

// MarkError records a failed provisioning attempt.
func (r *Reconciler) MarkError(ctx context.Context, sessionID, source string) Outcome {
	change, err := r.commit(ctx, sessionID, source, func(current model.Instance) model.InstanceUpdate {
		if current.Status == model.StatusError {
			return model.InstanceUpdate{}
		}
		return model.StatusUpdate(model.StatusError)
	}, model.StatusError, true)
	return r.outcomeOf(logger.FromContextOr(ctx, r.log), change, err)
}

// ApplyUpdate writes an operator-supplied partial update. Unlike the provider
// paths it returns store errors to the caller.
func (r *Reconciler) ApplyUpdate(ctx context.Context, sessionID string, update model.InstanceUpdate, source string) (*model.Instance, error) {
	var target model.Status
	if update.Status != nil {
		target = *update.Status
		if target == model.StatusConnected && update.LastConnectedAt == nil {
			update.LastConnectedAt = utils.NowPtr()
		}
	}

	change, err := r.commit(ctx, sessionID, source, func(model.Instance) model.InstanceUpdate {
		return update
	}, target, true)
	if err != nil {
		return nil, err
	}
	if target != "" {
		r.notifyObserver(ctx, sessionID, target)
	}
	current := change.Current
	return &current, nil
}

func (r *Reconciler) notifyObserver(ctx context.Context, sessionID string, status model.Status) {
	if r.observer != nil {
		r.observer.ObserveStatus(ctx, sessionID, status)
	}
}

func (r *Reconciler) outcomeOf(log *zap.Logger, change *storage.InstanceChange, err error) Outcome {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		// Late callbacks for a rotated name land here.
		log.Info("No instance for session, ignoring")
		return OutcomeUnknownInstance
	case err != nil:
		log.Error("Failed to persist status", zap.Error(err))
		return OutcomeFailed
	case change.StatusChanged():
		return OutcomeApplied
	default:
		return OutcomeUnchanged
	}
}

// commit runs fn under the row lock, then notifies the session and the status
// feed. With reemit, an unchanged row still notifies the listener so a late
// tab catches up; periodic sources pass false.
func (r *Reconciler) commit(ctx context.Context, sessionID, source string, fn storage.Mutator, target model.Status, reemit bool) (*storage.InstanceChange, error) {
	log := logger.FromContextOr(ctx, r.log).With(zap.String("session_id", sessionID))

	change, err := r.repo.Mutate(ctx, sessionID, fn)
	if err != nil {
		return nil, err
	}

	current := change.Current
	if !change.StatusChanged() {
		if reemit && target != "" && current.Status == target {
			r.emitter.Emit(ctx, sessionID, string(current.Status), model.StatusMessage(current.Status))
		}
		log.Debug("Status unchanged", zap.String("status", string(current.Status)), zap.Bool("written", change.Written))
		return change, nil
	}

	observer.IncStatusTransition(string(change.Previous.Status), string(current.Status), source)
	log.Info("Instance status changed",
		zap.String("from", string(change.Previous.Status)),
		zap.String("to", string(current.Status)),
		zap.String("account_id", current.AccountID))

	r.emitter.Emit(ctx, sessionID, string(current.Status), model.StatusMessage(current.Status))

	event := model.StatusEvent{
		InstanceName:   current.InstanceName,
		AccountID:      current.AccountID,
		PreviousStatus: change.Previous.Status,
		Status:         current.Status,
		PhoneNumber:    current.PhoneNumber,
		Source:         source,
		OccurredAt:     current.UpdatedAt,
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = utils.Now()
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		log.Debug("Status event not published", zap.Error(err))
	}
	return change, nil
}
