package usecase

import (
	"fmt"
	"strings"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
)

// CredentialResolver picks the gateway coordinates for an instance: the
// account's own key first, then the global fallback.
type CredentialResolver struct {
	globalBaseURL string
	globalAPIKey  string
}

// NewCredentialResolver builds a resolver from the provider config. Missing
// globals are not an error here, only when an account needs them.
func NewCredentialResolver(cfg config.ProviderConfig) *CredentialResolver {
	return &CredentialResolver{
		globalBaseURL: strings.TrimRight(strings.TrimSpace(cfg.GlobalBaseURL), "/"),
		globalAPIKey:  strings.TrimSpace(cfg.GlobalAPIKey),
	}
}

// Global returns the fallback credentials.
func (r *CredentialResolver) Global() (model.Credentials, error) {
	creds := model.Credentials{BaseURL: r.globalBaseURL, APIKey: r.globalAPIKey}
	if !creds.Usable() {
		return model.Credentials{}, fmt.Errorf("%w: no global provider credentials configured", apperrors.ErrConfiguration)
	}
	return creds, nil
}

// ForInstance resolves credentials for an existing row. An account key without
// a dedicated URL talks to the global gateway.
func (r *CredentialResolver) ForInstance(inst *model.Instance) (model.Credentials, error) {
	if inst == nil || !inst.HasCredentials() {
		return r.Global()
	}

	creds := model.Credentials{
		BaseURL: strings.TrimRight(strings.TrimSpace(inst.ProviderURL), "/"),
		APIKey:  strings.TrimSpace(inst.APIKey),
	}
	if creds.BaseURL == "" {
		creds.BaseURL = r.globalBaseURL
	}
	if !creds.Usable() {
		return model.Credentials{}, fmt.Errorf("%w: account %s has a key but no gateway URL", apperrors.ErrConfiguration, inst.AccountID)
	}
	return creds, nil
}
