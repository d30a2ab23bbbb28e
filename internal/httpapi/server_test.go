package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/usecase"
)

type serviceMock struct {
	mock.Mock
}

func (m *serviceMock) Start(ctx context.Context, req model.StartInstanceRequest) (*model.StartInstanceResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StartInstanceResponse), args.Error(1)
}

func (m *serviceMock) GetInstance(ctx context.Context, sessionID string) (*model.Instance, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Instance), args.Error(1)
}

func (m *serviceMock) FetchQR(ctx context.Context, sessionID string) (*model.QRResponse, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.QRResponse), args.Error(1)
}

func (m *serviceMock) StartPairing(ctx context.Context, sessionID string) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *serviceMock) CancelPairing(ctx context.Context, sessionID string) bool {
	args := m.Called(ctx, sessionID)
	return args.Bool(0)
}

func (m *serviceMock) PatchInstance(ctx context.Context, sessionID string, req model.PatchInstanceRequest) (*model.Instance, error) {
	args := m.Called(ctx, sessionID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Instance), args.Error(1)
}

type webhookMock struct {
	mock.Mock
}

func (m *webhookMock) HandleWebhook(ctx context.Context, evt model.WebhookEvent) usecase.Outcome {
	args := m.Called(ctx, evt)
	return args.Get(0).(usecase.Outcome)
}

type pushStub struct {
	sessions []string
}

func (p *pushStub) Serve(w http.ResponseWriter, _ *http.Request, sessionID string) error {
	p.sessions = append(p.sessions, sessionID)
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type apiFixture struct {
	svc      *serviceMock
	webhooks *webhookMock
	push     *pushStub
	server   *Server
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	f := &apiFixture{svc: new(serviceMock), webhooks: new(webhookMock), push: &pushStub{}}
	f.server = NewServer(opts, f.svc, f.webhooks, f.push, zap.NewNop())
	return f
}

func (f *apiFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStartInstance(t *testing.T) {
	f := newAPIFixture(t, Options{})
	req := model.StartInstanceRequest{AccountID: "A", UserID: "u1"}
	f.svc.On("Start", mock.Anything, req).Return(&model.StartInstanceResponse{
		SessionID:       "loja_A_1718000000000",
		ProviderPayload: json.RawMessage(`{"instance":{"instanceName":"loja_A_1718000000000"}}`),
	}, nil)

	rec := f.do(http.MethodPost, "/instances/start", `{"accountId":"A","userId":"u1"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body model.StartInstanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "loja_A_1718000000000", body.SessionID)
	assert.JSONEq(t, `{"instance":{"instanceName":"loja_A_1718000000000"}}`, string(body.ProviderPayload))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartInstance_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: field 'accountId' is required", apperrors.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"limit", fmt.Errorf("%w: 1 of 1", apperrors.ErrLimitReached), http.StatusConflict, "LIMIT_REACHED"},
		{"configuration", fmt.Errorf("%w: no global provider credentials configured", apperrors.ErrConfiguration), http.StatusInternalServerError, "CONFIGURATION_ERROR"},
		{"provider down", apperrors.NewProviderError(apperrors.ErrProviderUnavailable, "create", 503, "down", nil), http.StatusBadGateway, "PROVIDER_UNAVAILABLE"},
		{"provider rejects", apperrors.NewProviderError(apperrors.ErrProviderRejected, "create", 403, "name taken", nil), http.StatusUnprocessableEntity, "PROVIDER_REJECTED"},
		{"rate limited", fmt.Errorf("%w: provider pool", apperrors.ErrRateLimited), http.StatusTooManyRequests, "RATE_LIMITED"},
		{"unexpected", fmt.Errorf("%w: connection reset", apperrors.ErrDatabase), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, Options{})
			f.svc.On("Start", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := f.do(http.MethodPost, "/instances/start", `{"accountId":"A","userId":"u1"}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestStartInstance_MalformedBody(t *testing.T) {
	f := newAPIFixture(t, Options{})

	rec := f.do(http.MethodPost, "/instances/start", `{"accountId":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.svc.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.svc.On("GetInstance", mock.MatchedBy(func(ctx context.Context) bool {
		id, err := tenant.FromRequestIDContext(ctx)
		return err == nil && id == "req-42"
	}), "loja_A_1").Return(&model.Instance{AccountID: "A", InstanceName: "loja_A_1", Status: model.StatusPending}, nil)

	req := httptest.NewRequest(http.MethodGet, "/instances/loja_A_1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestGetInstance(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.svc.On("GetInstance", mock.Anything, "loja_A_1").Return(&model.Instance{
		AccountID:    "A",
		InstanceName: "loja_A_1",
		Status:       model.StatusConnected,
		APIKey:       "secret",
	}, nil)
	f.svc.On("GetInstance", mock.Anything, "loja_ghost_1").Return(nil, apperrors.ErrNotFound)

	rec := f.do(http.MethodGet, "/instances/loja_A_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"connected"`)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = f.do(http.MethodGet, "/instances/loja_ghost_1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchQR(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.svc.On("FetchQR", mock.Anything, "loja_A_1").Return(&model.QRResponse{SessionID: "loja_A_1", QRImageBase64: "data:image/png;base64,AAAA", PairingCode: "WXYZ1234"}, nil)
	f.svc.On("FetchQR", mock.Anything, "loja_B_1").Return(nil, fmt.Errorf("%w: empty qr", apperrors.ErrPairingUnavailable))

	rec := f.do(http.MethodGet, "/instances/loja_A_1/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var qr model.QRResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qr))
	assert.Equal(t, "WXYZ1234", qr.PairingCode)

	rec = f.do(http.MethodGet, "/instances/loja_B_1/qr", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "PAIRING_UNAVAILABLE", decodeError(t, rec).Code)
}

func TestPatchInstance(t *testing.T) {
	f := newAPIFixture(t, Options{})
	phone := "5511999999999"
	want := model.PatchInstanceRequest{Status: "connected", Phone: &phone}
	f.svc.On("PatchInstance", mock.Anything, "loja_A_1", want).Return(&model.Instance{AccountID: "A", InstanceName: "loja_A_1", Status: model.StatusConnected, PhoneNumber: phone}, nil)
	f.svc.On("PatchInstance", mock.Anything, "loja_A_1", model.PatchInstanceRequest{Status: "bogus"}).Return(nil, fmt.Errorf("%w: field 'status' must be one of", apperrors.ErrValidation))

	rec := f.do(http.MethodPatch, "/instances/loja_A_1", `{"status":"connected","phone":"5511999999999"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var env InstanceEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.StatusConnected, env.Instance.Status)

	rec = f.do(http.MethodPatch, "/instances/loja_A_1", `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPairingEndpoints(t *testing.T) {
	f := newAPIFixture(t, Options{})
	f.svc.On("StartPairing", mock.Anything, "loja_A_1").Return(true, nil)
	f.svc.On("StartPairing", mock.Anything, "loja_B_1").Return(false, fmt.Errorf("%w: already connected", apperrors.ErrConflict))
	f.svc.On("CancelPairing", mock.Anything, "loja_A_1").Return(true)
	f.svc.On("CancelPairing", mock.Anything, "loja_C_1").Return(false)

	rec := f.do(http.MethodPost, "/instances/loja_A_1/pairing", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"sessionId":"loja_A_1","started":true}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/instances/loja_B_1/pairing", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/instances/loja_A_1/pairing", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/instances/loja_C_1/pairing", "").Code)
}

func TestReceiveWebhook_AlwaysAcks(t *testing.T) {
	outcomes := []usecase.Outcome{
		usecase.OutcomeApplied,
		usecase.OutcomeUnknownInstance,
		usecase.OutcomeUnknownState,
		usecase.OutcomeFailed,
		usecase.OutcomeInvalid,
	}
	for _, outcome := range outcomes {
		t.Run(string(outcome), func(t *testing.T) {
			f := newAPIFixture(t, Options{})
			f.webhooks.On("HandleWebhook", mock.Anything, mock.MatchedBy(func(evt model.WebhookEvent) bool {
				return evt.Event == "connection.update" && evt.Instance == "loja_A_1" && evt.Data.State == "open"
			})).Return(outcome)

			rec := f.do(http.MethodPost, "/webhooks/provider", `{"event":"connection.update","instance":"loja_A_1","data":{"state":"open"}}`)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"ack":true}`, rec.Body.String())
		})
	}
}

func TestReceiveWebhook_MalformedJSON(t *testing.T) {
	f := newAPIFixture(t, Options{})

	rec := f.do(http.MethodPost, "/webhooks/provider", `not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.webhooks.AssertNotCalled(t, "HandleWebhook", mock.Anything, mock.Anything)
}

func TestWebsocketRoute(t *testing.T) {
	f := newAPIFixture(t, Options{})

	rec := f.do(http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/ws?sessionId=bad%20name", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.push.sessions)

	f.do(http.MethodGet, "/ws?sessionId=loja_A_1", "")
	assert.Equal(t, []string{"loja_A_1"}, f.push.sessions)
}

func TestRateLimiter(t *testing.T) {
	f := newAPIFixture(t, Options{RateLimitPerSecond: 1, RateLimitBurst: 1})
	f.svc.On("GetInstance", mock.Anything, "loja_A_1").Return(&model.Instance{AccountID: "A", InstanceName: "loja_A_1"}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/instances/loja_A_1", "").Code)
	rec := f.do(http.MethodGet, "/instances/loja_A_1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).Code)

	// Webhooks are not throttled.
	f.webhooks.On("HandleWebhook", mock.Anything, mock.Anything).Return(usecase.OutcomeApplied)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhooks/provider", `{"event":"connection.update","instance":"loja_A_1","data":{"state":"open"}}`).Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newAPIFixture(t, Options{})

	rec := f.do(http.MethodGet, "/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "HTTP_ERROR", decodeError(t, rec).Code)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, splitOrigins(""))
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, splitOrigins(" https://a.example.com, ,https://b.example.com "))
}
