package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/usecase"
)

// ConnectionAPI is the part of the connection service exposed over REST.
type ConnectionAPI interface {
	Start(ctx context.Context, req model.StartInstanceRequest) (*model.StartInstanceResponse, error)
	GetInstance(ctx context.Context, sessionID string) (*model.Instance, error)
	FetchQR(ctx context.Context, sessionID string) (*model.QRResponse, error)
	StartPairing(ctx context.Context, sessionID string) (bool, error)
	CancelPairing(ctx context.Context, sessionID string) bool
	PatchInstance(ctx context.Context, sessionID string, req model.PatchInstanceRequest) (*model.Instance, error)
}

// WebhookHandler folds a provider callback into the store.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, evt model.WebhookEvent) usecase.Outcome
}

// PushServer upgrades a request into a push-channel connection.
type PushServer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string) error
}

// Options configures the REST server.
type Options struct {
	Port               int
	RateLimitPerSecond float64 // <= 0 disables the limiter
	RateLimitBurst     int
	CORSAllowOrigins   string // comma separated, empty allows all
}

// Server is the REST and websocket front door.
type Server struct {
	echo     *echo.Echo
	svc      ConnectionAPI
	webhooks WebhookHandler
	push     PushServer
	addr     string
	log      *zap.Logger
}

// NewServer builds the echo instance and registers every route.
func NewServer(opts Options, svc ConnectionAPI, webhooks WebhookHandler, push PushServer, baseLogger *zap.Logger) *Server {
	log := baseLogger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)

	s := &Server{
		echo:     e,
		svc:      svc,
		webhooks: webhooks,
		push:     push,
		addr:     fmt.Sprintf(":%d", opts.Port),
		log:      log,
	}

	e.Use(requestContext(log))
	e.Use(accessLog(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: splitOrigins(opts.CORSAllowOrigins),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			echo.HeaderXRequestID,
		},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	}))

	instances := e.Group("/instances")
	if opts.RateLimitPerSecond > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = int(opts.RateLimitPerSecond)
		}
		instances.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(
				middleware.RateLimiterMemoryStoreConfig{
					Rate:      rate.Limit(opts.RateLimitPerSecond),
					Burst:     burst,
					ExpiresIn: 3 * time.Minute,
				},
			),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many requests", Code: "RATE_LIMITED"})
			},
		}))
	}

	instances.POST("/start", s.startInstance)
	instances.GET("/:sessionId", s.getInstance)
	instances.PATCH("/:sessionId", s.patchInstance)
	instances.GET("/:sessionId/qr", s.fetchQR)
	instances.POST("/:sessionId/pairing", s.startPairing)
	instances.DELETE("/:sessionId/pairing", s.cancelPairing)

	e.POST("/webhooks/provider", s.receiveWebhook)
	e.GET("/ws", s.serveWebsocket)

	return s
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("Starting API server", zap.String("addr", s.addr))
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down. Hijacked websocket connections are
// not tracked by net/http and are closed by the session registry.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping API server")
	return s.echo.Shutdown(ctx)
}
