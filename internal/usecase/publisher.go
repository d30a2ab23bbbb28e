package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

// StatusPublisher announces canonical status transitions to other services.
type StatusPublisher interface {
	Publish(ctx context.Context, event model.StatusEvent) error
}

// NATSStatusPublisher publishes transitions to JetStream, one subject per instance.
type NATSStatusPublisher struct {
	js     jetstream.ClientInterface
	prefix string
	log    *zap.Logger
}

// NewNATSStatusPublisher creates a publisher writing under subjectPrefix.
func NewNATSStatusPublisher(js jetstream.ClientInterface, subjectPrefix string, baseLogger *zap.Logger) *NATSStatusPublisher {
	return &NATSStatusPublisher{
		js:     js,
		prefix: subjectPrefix,
		log:    baseLogger.Named("status_publisher"),
	}
}

// Publish writes the event. Failures are counted and returned, callers treat
// them as best effort.
func (p *NATSStatusPublisher) Publish(ctx context.Context, event model.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	subject := model.StatusSubject(p.prefix, event.InstanceName)
	headers := map[string]string{
		jetstream.HeaderMsgID: uuid.NewString(),
		"X-Account-ID":        event.AccountID,
	}

	err = p.js.Publish(ctx, subject, data, headers)
	observer.IncStatusEventsPublished(err)
	if err != nil {
		logger.FromContextOr(ctx, p.log).Warn("Failed to publish status event",
			zap.String("subject", subject),
			zap.String("status", string(event.Status)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", apperrors.ErrNATS, err)
	}
	return nil
}

// NoopStatusPublisher is used when the status feed is disabled.
type NoopStatusPublisher struct{}

// Publish does nothing.
func (NoopStatusPublisher) Publish(context.Context, model.StatusEvent) error { return nil }

var (
	_ StatusPublisher = (*NATSStatusPublisher)(nil)
	_ StatusPublisher = NoopStatusPublisher{}
)
