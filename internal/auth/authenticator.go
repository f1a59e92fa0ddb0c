package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/codingphoenixx/simplerequest/internal/config"
	"github.com/codingphoenixx/simplerequest/pkg/dispatch"
	"github.com/codingphoenixx/simplerequest/pkg/router"
)

// key is one accepted API key.
type key struct {
	id     string
	hash   string
	system bool
}

// KeyAuthenticator authenticates Bearer API keys against a fixed key set
// loaded from configuration. It is immutable after construction and safe
// for concurrent use.
type KeyAuthenticator struct {
	keys []key
}

// NewKeyAuthenticator builds an authenticator from the configured keys.
func NewKeyAuthenticator(keys []config.APIKeyConfig) *KeyAuthenticator {
	a := &KeyAuthenticator{keys: make([]key, 0, len(keys))}
	for _, k := range keys {
		a.keys = append(a.keys, key{id: k.ID, hash: k.KeyHash, system: k.System})
	}
	return a
}

// Authenticate implements dispatch.Authenticator. It extracts the Bearer
// token, verifies it against every configured key, and checks that the
// matched key satisfies the route's access level.
func (a *KeyAuthenticator) Authenticate(r *http.Request, required router.AccessLevel) (*dispatch.Grant, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	for _, k := range a.keys {
		match, verifyErr := VerifyKey(raw, k.hash)
		if verifyErr != nil || !match {
			continue
		}
		if required == router.System && !k.system {
			return nil, fmt.Errorf("key %s lacks system access: %w", k.id, dispatch.ErrForbidden)
		}
		return &dispatch.Grant{Subject: k.id, System: k.system}, nil
	}
	return nil, dispatch.ErrUnauthenticated
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header: %w", dispatch.ErrUnauthenticated)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("malformed Authorization header: %w", dispatch.ErrUnauthenticated)
	}
	return strings.TrimSpace(token), nil
}

var _ dispatch.Authenticator = (*KeyAuthenticator)(nil)
