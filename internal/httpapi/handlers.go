package httpapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

// InstanceEnvelope wraps a single instance in responses.
type InstanceEnvelope struct {
	Instance *model.Instance `json:"instance"`
}

// PairingResponse answers a pairing start.
type PairingResponse struct {
	SessionID string `json:"sessionId"`
	Started   bool   `json:"started"`
}

// WebhookAck is returned for every well-formed webhook.
type WebhookAck struct {
	Ack bool `json:"ack"`
}

func bindBody(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", apperrors.ErrBadRequest)
	}
	return nil
}

// POST /instances/start
func (s *Server) startInstance(c echo.Context) error {
	var req model.StartInstanceRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}

	resp, err := s.svc.Start(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// GET /instances/:sessionId
func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.svc.GetInstance(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, InstanceEnvelope{Instance: inst})
}

// PATCH /instances/:sessionId
func (s *Server) patchInstance(c echo.Context) error {
	var req model.PatchInstanceRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}

	inst, err := s.svc.PatchInstance(c.Request().Context(), c.Param("sessionId"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, InstanceEnvelope{Instance: inst})
}

// GET /instances/:sessionId/qr
func (s *Server) fetchQR(c echo.Context) error {
	qr, err := s.svc.FetchQR(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, qr)
}

// POST /instances/:sessionId/pairing
func (s *Server) startPairing(c echo.Context) error {
	sessionID := c.Param("sessionId")
	started, err := s.svc.StartPairing(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, PairingResponse{SessionID: sessionID, Started: started})
}

// DELETE /instances/:sessionId/pairing
func (s *Server) cancelPairing(c echo.Context) error {
	s.svc.CancelPairing(c.Request().Context(), c.Param("sessionId"))
	return c.NoContent(http.StatusNoContent)
}

// POST /webhooks/provider
//
// The provider retries on anything but 2xx, so every decodable event is
// acknowledged whatever its outcome.
func (s *Server) receiveWebhook(c echo.Context) error {
	var evt model.WebhookEvent
	if err := bindBody(c, &evt); err != nil {
		return err
	}

	outcome := s.webhooks.HandleWebhook(c.Request().Context(), evt)
	logger.FromContextOr(c.Request().Context(), s.log).Debug("Webhook handled",
		zap.String("event", evt.Event),
		zap.String("session_id", evt.Instance),
		zap.String("outcome", string(outcome)))
	return c.JSON(http.StatusOK, WebhookAck{Ack: true})
}

// GET /ws?sessionId=
func (s *Server) serveWebsocket(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if err := validator.ValidateVar(sessionID, "required,instance_name"); err != nil {
		return err
	}

	// The upgrader writes its own error response.
	_ = s.push.Serve(c.Response(), c.Request(), sessionID)
	return nil
}
