package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// Conn is a push-channel connection bound to one session.
type Conn interface {
	// ID identifies the connection for logging.
	ID() string
	// Send queues an event for delivery. It must not block on the network.
	Send(event model.PushEvent) error
	Close()
}

// Emitter delivers status events to whoever watches a session.
type Emitter interface {
	Emit(ctx context.Context, sessionID, status, message string)
	EmitPayload(ctx context.Context, sessionID string, payload model.StatusPayload)
}

// Registry maps a session identifier to the single connection watching it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
	log   *zap.Logger
}

var _ Emitter = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns: make(map[string]Conn),
		log:   log.Named("session_registry"),
	}
}

// Register binds conn to sessionID. A previous binding is replaced and returned.
func (r *Registry) Register(sessionID string, conn Conn) Conn {
	r.mu.Lock()
	previous := r.conns[sessionID]
	r.conns[sessionID] = conn
	size := len(r.conns)
	r.mu.Unlock()

	observer.SetRegistrySize(size)
	if previous != nil && previous != conn {
		r.log.Info("Session rebound to a new connection",
			zap.String("session_id", sessionID),
			zap.String("previous_conn", previous.ID()),
			zap.String("conn", conn.ID()))
	}
	return previous
}

// Unregister removes the binding only if it still points at conn.
func (r *Registry) Unregister(sessionID string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[sessionID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, sessionID)
	}
	size := len(r.conns)
	r.mu.Unlock()

	observer.SetRegistrySize(size)
	if ok && !removed {
		r.log.Debug("Ignoring stale unregister",
			zap.String("session_id", sessionID),
			zap.String("conn", conn.ID()))
	}
	return removed
}

// Lookup returns the connection bound to sessionID.
func (r *Registry) Lookup(sessionID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[sessionID]
	return conn, ok
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Emit sends a status_update to the session's connection. A missing listener
// or a failed send is logged and otherwise ignored.
func (r *Registry) Emit(ctx context.Context, sessionID, status, message string) {
	r.EmitPayload(ctx, sessionID, model.StatusPayload{Status: status, Message: message})
}

// EmitPayload is Emit with a full payload, used for pairing material.
func (r *Registry) EmitPayload(ctx context.Context, sessionID string, payload model.StatusPayload) {
	log := logger.FromContextOr(ctx, r.log).With(
		zap.String("session_id", sessionID),
		zap.String("status", payload.Status))

	conn, ok := r.Lookup(sessionID)
	if !ok {
		observer.IncPushEvent("no_listener")
		log.Warn("No connection registered for session, dropping event")
		return
	}

	event := model.PushEvent{
		Event:     model.PushEventStatusUpdate,
		SessionID: sessionID,
		Data:      payload,
		Timestamp: utils.Now(),
	}
	if err := conn.Send(event); err != nil {
		observer.IncPushEvent("send_failed")
		log.Warn("Failed to push event", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}
	observer.IncPushEvent("delivered")
}

// CloseAll closes and drops every binding. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	observer.SetRegistrySize(0)
	r.log.Info("Closed all push connections", zap.Int("count", len(conns)))
}
