package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/session"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

// SnapshotFunc returns the current status of a session, read from the store.
type SnapshotFunc func(ctx context.Context, sessionID string) (model.StatusPayload, bool)

// Handler upgrades requests and binds them to the session registry.
type Handler struct {
	upgrader websocket.Upgrader
	registry *session.Registry
	snapshot SnapshotFunc
	opts     Options
	log      *zap.Logger
}

// NewHandler builds a websocket handler. An empty allowedOrigins list, or one
// containing "*", accepts any origin.
func NewHandler(registry *session.Registry, snapshot SnapshotFunc, opts Options, allowedOrigins []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		registry: registry,
		snapshot: snapshot,
		opts:     opts.withDefaults(),
		log:      log.Named("ws"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// Serve upgrades the request and registers the connection for sessionID.
// The upgrader has already written an HTTP error when err is non-nil.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}

	client := NewClient(conn, sessionID, h.opts, func(c *Client) {
		h.registry.Unregister(c.SessionID(), c)
	}, h.log)

	if previous := h.registry.Register(sessionID, client); previous != nil && previous != session.Conn(client) {
		previous.Close()
	}

	// Registered before the read, so no transition can slip between the two.
	// The pumps are not running yet and the snapshot goes first unless an
	// event already beat it.
	if h.snapshot != nil {
		if payload, ok := h.snapshot(r.Context(), sessionID); ok {
			sent, _ := client.SendSnapshot(model.PushEvent{
				Event:     model.PushEventStatusUpdate,
				SessionID: sessionID,
				Data:      payload,
				Timestamp: utils.Now(),
			})
			if !sent {
				h.log.Debug("Dropped snapshot behind a newer event", zap.String("session_id", sessionID))
			}
		}
	}

	utils.SafeGo(client.WritePump, nil)
	utils.SafeGo(client.ReadPump, nil)
	return nil
}
