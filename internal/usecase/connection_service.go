package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// PairingController is the part of the pairing supervisor the API drives.
type PairingController interface {
	Begin(ctx context.Context, req PairingRequest) (bool, error)
	Cancel(sessionID string) bool
	Latest(sessionID string, maxAge time.Duration) (*model.PairingMaterial, bool)
}

// ConnectionService provisions instances and exposes their pairing state.
type ConnectionService struct {
	repo     storage.InstanceRepo
	provider provider.Client
	creds    *CredentialResolver
	pairing  PairingController
	applier  *Reconciler
	qrMaxAge time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewConnectionService wires the orchestrator. qrMaxAge bounds how old cached
// pairing material may be before a QR request goes back to the gateway.
func NewConnectionService(
	repo storage.InstanceRepo,
	client provider.Client,
	creds *CredentialResolver,
	pairing PairingController,
	applier *Reconciler,
	qrMaxAge time.Duration,
	baseLogger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		repo:     repo,
		provider: client,
		creds:    creds,
		pairing:  pairing,
		applier:  applier,
		qrMaxAge: qrMaxAge,
		now:      utils.Now,
		log:      baseLogger.Named("connection_service"),
	}
}

// Start provisions a fresh instance name for the account. An existing row is
// reused under a new name; the gateway instance is created but pairing
// material is fetched later by the QR endpoint.
func (s *ConnectionService) Start(ctx context.Context, req model.StartInstanceRequest) (*model.StartInstanceResponse, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	ctx = tenant.WithAccountID(ctx, req.AccountID)
	log := logger.FromContextOr(ctx, s.log).With(zap.String("user_id", req.UserID))

	existing, err := s.repo.FindByAccount(ctx, req.AccountID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up instance: %w", err)
	}

	if err := s.checkLimit(ctx, req.AccountID, existing); err != nil {
		return nil, err
	}

	var (
		name  string
		creds model.Credentials
	)
	if existing != nil {
		creds, err = s.creds.ForInstance(existing)
		if err != nil {
			return nil, err
		}
		name = s.mintName(req.AccountID, existing.InstanceName)
		if _, err := s.repo.Rename(ctx, req.AccountID, name, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to rotate instance name: %w", err)
		}
		// The old name's loop would keep polling a name nobody owns.
		s.pairing.Cancel(existing.InstanceName)
		log.Info("Reusing instance row under a new name",
			zap.String("previous_name", existing.InstanceName),
			zap.String("instance_name", name))
	} else {
		creds, err = s.creds.Global()
		if err != nil {
			return nil, err
		}
		name = s.mintName(req.AccountID, "")
		inst := &model.Instance{
			AccountID:    req.AccountID,
			UserID:       req.UserID,
			InstanceName: name,
			Status:       model.StatusPending,
		}
		if err := s.repo.Create(ctx, inst); err != nil {
			return nil, fmt.Errorf("failed to create instance row: %w", err)
		}
		log.Info("Created instance row", zap.String("instance_name", name))
	}

	desc, err := s.provider.CreateInstance(ctx, creds, name, req.PhoneHint, true)
	if err != nil {
		log.Warn("Gateway create failed", zap.String("instance_name", name), zap.Error(err))
		s.applier.MarkError(ctx, name, model.SourceProvision)
		return nil, err
	}

	payload := utils.CompactJSON(desc.Raw)
	if payload != nil {
		if _, err := s.repo.Update(ctx, name, model.InstanceUpdate{ProviderPayload: datatypes.JSON(payload)}); err != nil {
			// The gateway instance exists; a missing descriptor only costs diagnostics.
			log.Warn("Failed to store provider payload", zap.String("instance_name", name), zap.Error(err))
		}
	}

	return &model.StartInstanceResponse{SessionID: name, ProviderPayload: payload}, nil
}

// checkLimit rejects the start when the account already holds its plan's
// number of active instances. A connecting row about to be renamed is not
// counted: restarting replaces its unfinished pairing instead of adding one.
func (s *ConnectionService) checkLimit(ctx context.Context, accountID string, renaming *model.Instance) error {
	limit, err := s.repo.InstanceLimitForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to read instance limit: %w", err)
	}
	if limit <= 0 {
		return nil
	}
	active, err := s.repo.CountActiveForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to count active instances: %w", err)
	}
	if renaming != nil && renaming.Status == model.StatusConnecting && active > 0 {
		active--
	}
	if active >= int64(limit) {
		return fmt.Errorf("%w: account %s has %d of %d active instances", apperrors.ErrLimitReached, accountID, active, limit)
	}
	return nil
}

// mintName returns a timestamped name distinct from previous.
func (s *ConnectionService) mintName(accountID, previous string) string {
	ts := s.now()
	name := model.NewInstanceName(accountID, ts)
	for name == previous {
		ts = ts.Add(time.Millisecond)
		name = model.NewInstanceName(accountID, ts)
	}
	return name
}

// GetInstance returns the stored record for a session.
func (s *ConnectionService) GetInstance(ctx context.Context, sessionID string) (*model.Instance, error) {
	if err := validator.ValidateVar(sessionID, "required,instance_name"); err != nil {
		return nil, err
	}
	return s.repo.FindByInstanceName(ctx, sessionID)
}

// FetchQR returns pairing material for the session and makes sure its refresh
// loop is running. Fresh material from the loop is served without another
// gateway call.
func (s *ConnectionService) FetchQR(ctx context.Context, sessionID string) (*model.QRResponse, error) {
	inst, err := s.GetInstance(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = tenant.WithAccountID(ctx, inst.AccountID)

	if material, ok := s.pairing.Latest(sessionID, s.qrMaxAge); ok {
		return qrResponse(sessionID, material), nil
	}

	creds, err := s.creds.ForInstance(inst)
	if err != nil {
		return nil, err
	}
	material, err := s.provider.RequestConnect(ctx, creds, sessionID, inst.PhoneNumber)
	if err != nil {
		return nil, err
	}

	req := PairingRequest{
		SessionID:   sessionID,
		AccountID:   inst.AccountID,
		PhoneHint:   inst.PhoneNumber,
		Credentials: creds,
		Seed:        material,
	}
	if _, err := s.pairing.Begin(ctx, req); err != nil {
		// The caller still gets a usable QR; only live refresh is lost.
		logger.FromContextOr(ctx, s.log).Warn("Pairing loop not started",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return qrResponse(sessionID, material), nil
}

// StartPairing starts the refresh loop without returning material. The first
// QR arrives over the push channel.
func (s *ConnectionService) StartPairing(ctx context.Context, sessionID string) (bool, error) {
	inst, err := s.GetInstance(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if inst.Status == model.StatusConnected {
		return false, fmt.Errorf("%w: session %s is already connected", apperrors.ErrConflict, sessionID)
	}
	creds, err := s.creds.ForInstance(inst)
	if err != nil {
		return false, err
	}
	return s.pairing.Begin(tenant.WithAccountID(ctx, inst.AccountID), PairingRequest{
		SessionID:   sessionID,
		AccountID:   inst.AccountID,
		PhoneHint:   inst.PhoneNumber,
		Credentials: creds,
	})
}

// CancelPairing stops the session's refresh loop, if any.
func (s *ConnectionService) CancelPairing(ctx context.Context, sessionID string) bool {
	cancelled := s.pairing.Cancel(sessionID)
	logger.FromContextOr(ctx, s.log).Info("Pairing cancel requested",
		zap.String("session_id", sessionID), zap.Bool("was_running", cancelled))
	return cancelled
}

// PatchInstance applies an operator status patch.
func (s *ConnectionService) PatchInstance(ctx context.Context, sessionID string, req model.PatchInstanceRequest) (*model.Instance, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	if err := validator.ValidateVar(sessionID, "required,instance_name"); err != nil {
		return nil, err
	}
	return s.applier.ApplyUpdate(ctx, sessionID, req.ToUpdate(), model.SourcePatch)
}

// Snapshot returns the stored status of a session for a newly attached push
// connection.
func (s *ConnectionService) Snapshot(ctx context.Context, sessionID string) (model.StatusPayload, bool) {
	inst, err := s.repo.FindByInstanceName(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			logger.FromContextOr(ctx, s.log).Warn("Snapshot lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return model.StatusPayload{}, false
	}
	return model.StatusPayload{Status: string(inst.Status), Message: model.StatusMessage(inst.Status)}, true
}

func qrResponse(sessionID string, m *model.PairingMaterial) *model.QRResponse {
	return &model.QRResponse{
		SessionID:     sessionID,
		QRImageBase64: m.QRImageBase64,
		PairingCode:   m.PairingCode,
	}
}
