package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/codingphoenixx/simplerequest/pkg/router"
)

// ErrUnauthenticated is returned by an Authenticator when no acceptable
// identity was presented. The dispatcher answers 401.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrForbidden is returned by an Authenticator when the identity is valid
// but lacks the required access level. The dispatcher answers 403.
var ErrForbidden = errors.New("forbidden")

// Grant is the context object an Authenticator attaches to an admitted
// request.
type Grant struct {
	// Subject identifies the authenticated caller.
	Subject string

	// System is true for identities with system privileges.
	System bool
}

// Authenticator is the external authentication collaborator consulted for
// routes above Public access. Implementations must be safe for concurrent
// use; the dispatcher calls them synchronously on the request path.
type Authenticator interface {
	// Authenticate checks the request against the required access level.
	// On success it returns a non-nil Grant. On failure it returns
	// ErrUnauthenticated, ErrForbidden, or an error wrapping one of them.
	Authenticate(r *http.Request, required router.AccessLevel) (*Grant, error)
}

// grantContextKey is the context key type for the request's Grant.
type grantContextKey struct{}

// GrantFromContext returns the Grant attached during dispatch, or nil for
// public routes.
func GrantFromContext(ctx context.Context) *Grant {
	grant, _ := ctx.Value(grantContextKey{}).(*Grant)
	return grant
}
