package provider

import (
	"context"
	"encoding/json"
	"strings"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
)

// Client is the gateway surface consumed by the core. Every call carries
// credentials resolved by the caller.
type Client interface {
	CreateInstance(ctx context.Context, creds model.Credentials, name, phoneHint string, wantQR bool) (*InstanceDescriptor, error)
	RequestConnect(ctx context.Context, creds model.Credentials, name, phoneHint string) (*model.PairingMaterial, error)
	QueryStatus(ctx context.Context, creds model.Credentials, name string) (State, error)
}

// State is a raw provider connection state, e.g. "open" or "close".
type State string

// Canonical maps the provider state to a core status.
func (s State) Canonical() (model.Status, bool) {
	return model.CanonicalStatusFromState(string(s))
}

// InstanceDescriptor is the create-instance response. Raw keeps the full body
// for persistence and diagnostics.
type InstanceDescriptor struct {
	InstanceName string          `json:"instanceName"`
	InstanceID   string          `json:"instanceId"`
	Status       string          `json:"status"`
	Raw          json.RawMessage `json:"-"`
}

type createInstanceRequest struct {
	InstanceName string `json:"instanceName"`
	Number       string `json:"number,omitempty"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

type createInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		InstanceID   string `json:"instanceId"`
		Status       string `json:"status"`
	} `json:"instance"`
}

type connectResponse struct {
	PairingCode string `json:"pairingCode"`
	Base64      string `json:"base64"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
	// Some gateway versions return the state at the top level.
	State string `json:"state"`
}

func (r connectionStateResponse) state() State {
	if r.Instance.State != "" {
		return State(r.Instance.State)
	}
	return State(r.State)
}

// errorResponse covers the gateway's error envelope:
// {"status":403,"error":"Forbidden","response":{"message":["..."]}}
type errorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Response struct {
		Message json.RawMessage `json:"message"`
	} `json:"response"`
}

func (e errorResponse) text() string {
	if len(e.Response.Message) > 0 {
		var list []string
		if err := json.Unmarshal(e.Response.Message, &list); err == nil && len(list) > 0 {
			return strings.Join(list, "; ")
		}
		var single string
		if err := json.Unmarshal(e.Response.Message, &single); err == nil && single != "" {
			return single
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
