package router

// AccessLevel controls who may invoke a route.
type AccessLevel int

const (
	// Public routes require no authentication.
	Public AccessLevel = iota

	// Authenticated routes require any valid identity.
	Authenticated

	// System routes require an identity with system privileges.
	System

	// Disabled routes are registered but reject every request.
	Disabled
)

// String returns the lowercase name of the access level.
func (a AccessLevel) String() string {
	switch a {
	case Public:
		return "public"
	case Authenticated:
		return "authenticated"
	case System:
		return "system"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MethodAny matches every HTTP verb.
const MethodAny = "*"

// Route is one registered endpoint. Routes are immutable after registration;
// registering the same template again adds a second route rather than
// mutating the first (precedence is decided by specificity ordering).
type Route struct {
	// Template is the original path template.
	Template string

	// Method is the HTTP verb this route accepts, or MethodAny.
	Method string

	// Access is the required access level.
	Access AccessLevel

	// Handler is the opaque handler owned by the registering caller.
	// The table never inspects it.
	Handler any

	pattern *Pattern
}

// Pattern returns the compiled pattern for the route's template.
func (r *Route) Pattern() *Pattern { return r.pattern }
