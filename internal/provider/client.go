package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/utils"
)

const (
	opCreateInstance = "create_instance"
	opRequestConnect = "request_connect"
	opQueryStatus    = "query_status"

	maxErrorBody = 4 << 10

	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// Options configures the HTTP client.
type Options struct {
	RequestTimeout  time.Duration
	RetryMaxElapsed time.Duration
	Integration     string
	HTTPClient      *http.Client
}

// HTTPClient talks to an Evolution-style gateway over REST.
type HTTPClient struct {
	http            *http.Client
	requestTimeout  time.Duration
	retryMaxElapsed time.Duration
	integration     string
	log             *zap.Logger
}

// NewHTTPClient creates a gateway client.
func NewHTTPClient(opts Options, log *zap.Logger) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Integration == "" {
		opts.Integration = "WHATSAPP-BAILEYS"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		http:            hc,
		requestTimeout:  opts.RequestTimeout,
		retryMaxElapsed: opts.RetryMaxElapsed,
		integration:     opts.Integration,
		log:             log.Named("provider_client"),
	}
}

var _ Client = (*HTTPClient)(nil)

// CreateInstance registers name with the gateway. It is never retried inline:
// a timed-out create may still have succeeded provider-side.
func (c *HTTPClient) CreateInstance(ctx context.Context, creds model.Credentials, name, phoneHint string, wantQR bool) (*InstanceDescriptor, error) {
	body, err := json.Marshal(createInstanceRequest{
		InstanceName: name,
		Number:       phoneHint,
		QRCode:       wantQR,
		Integration:  c.integration,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode create request: %w", apperrors.ErrBadRequest, err)
	}

	start := utils.Now()
	raw, err := c.do(ctx, creds, opCreateInstance, http.MethodPost, "/instance/create", nil, body)
	observer.ObserveProviderCall(opCreateInstance, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	var resp createInstanceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrProviderUnavailable, opCreateInstance, http.StatusOK, "malformed create response", err)
	}
	desc := &InstanceDescriptor{
		InstanceName: resp.Instance.InstanceName,
		InstanceID:   resp.Instance.InstanceID,
		Status:       resp.Instance.Status,
		Raw:          utils.CompactJSON(raw),
	}
	if desc.InstanceName == "" {
		desc.InstanceName = name
	}
	return desc, nil
}

// RequestConnect asks the gateway for fresh pairing material.
func (c *HTTPClient) RequestConnect(ctx context.Context, creds model.Credentials, name, phoneHint string) (*model.PairingMaterial, error) {
	query := url.Values{}
	if phoneHint != "" {
		query.Set("number", phoneHint)
	}

	start := utils.Now()
	raw, err := c.getWithRetry(ctx, creds, opRequestConnect, "/instance/connect/"+url.PathEscape(name), query)
	if err != nil {
		observer.ObserveProviderCall(opRequestConnect, time.Since(start), err)
		return nil, err
	}

	var resp connectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		err = apperrors.NewProviderError(apperrors.ErrPairingUnavailable, opRequestConnect, http.StatusOK, "malformed connect response", err)
		observer.ObserveProviderCall(opRequestConnect, time.Since(start), err)
		return nil, err
	}
	if strings.TrimSpace(resp.Base64) == "" {
		err = apperrors.NewProviderError(apperrors.ErrPairingUnavailable, opRequestConnect, http.StatusOK, "response carries no QR payload", nil)
		observer.ObserveProviderCall(opRequestConnect, time.Since(start), err)
		return nil, err
	}

	observer.ObserveProviderCall(opRequestConnect, time.Since(start), nil)
	return &model.PairingMaterial{
		QRImageBase64: resp.Base64,
		PairingCode:   resp.PairingCode,
		FetchedAt:     utils.Now(),
	}, nil
}

// QueryStatus returns the gateway's connection state for name. A closed or
// connecting instance is a valid state, not an error.
func (c *HTTPClient) QueryStatus(ctx context.Context, creds model.Credentials, name string) (State, error) {
	start := utils.Now()
	raw, err := c.getWithRetry(ctx, creds, opQueryStatus, "/instance/connectionState/"+url.PathEscape(name), nil)
	if err != nil {
		observer.ObserveProviderCall(opQueryStatus, time.Since(start), err)
		return "", err
	}

	var resp connectionStateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		err = apperrors.NewProviderError(apperrors.ErrProviderUnavailable, opQueryStatus, http.StatusOK, "malformed state response", err)
		observer.ObserveProviderCall(opQueryStatus, time.Since(start), err)
		return "", err
	}
	observer.ObserveProviderCall(opQueryStatus, time.Since(start), nil)
	return resp.state(), nil
}

// getWithRetry retries only ProviderUnavailable failures.
func (c *HTTPClient) getWithRetry(ctx context.Context, creds model.Credentials, op, path string, query url.Values) ([]byte, error) {
	if c.retryMaxElapsed <= 0 {
		return c.do(ctx, creds, op, http.MethodGet, path, query, nil)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = c.retryMaxElapsed
	policy := backoff.WithContext(b, ctx)

	notify := func(err error, d time.Duration) {
		logger.FromContextOr(ctx, c.log).Warn("Retrying provider call",
			zap.String("operation", op),
			zap.Error(err),
			zap.Duration("after", d))
	}

	return backoff.RetryNotifyWithData(func() ([]byte, error) {
		raw, err := c.do(ctx, creds, op, http.MethodGet, path, query, nil)
		if err != nil && !errors.Is(err, apperrors.ErrProviderUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return raw, err
	}, policy, notify)
}

func (c *HTTPClient) do(ctx context.Context, creds model.Credentials, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	if !creds.Usable() {
		return nil, fmt.Errorf("%w: gateway credentials are incomplete", apperrors.ErrConfiguration)
	}

	endpoint := strings.TrimRight(creds.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s request: %w", apperrors.ErrConfiguration, op, err)
	}
	req.Header.Set("apikey", creds.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrProviderUnavailable, op, 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrProviderUnavailable, op, resp.StatusCode, "read response body", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, apperrors.NewProviderError(apperrors.ErrProviderUnavailable, op, resp.StatusCode, errorText(raw), nil)
	case resp.StatusCode >= 400:
		c.log.Debug("Provider rejected request",
			zap.String("operation", op),
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("body", truncate(raw)))
		return nil, apperrors.NewProviderError(apperrors.ErrProviderRejected, op, resp.StatusCode, errorText(raw), nil)
	}
	return raw, nil
}

func errorText(raw []byte) string {
	var env errorResponse
	if err := json.Unmarshal(raw, &env); err == nil {
		if msg := env.text(); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(truncate(raw)))
}

func truncate(raw []byte) []byte {
	if len(raw) > maxErrorBody {
		return raw[:maxErrorBody]
	}
	return raw
}
