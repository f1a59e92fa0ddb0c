// Package dispatch orchestrates request handling: route resolution, rate
// limit admission, access gating and handler invocation.
package dispatch

import (
	"net/http"
	"strings"
)

// Handler is the streaming handler contract. The handler writes its own
// response; params holds the captured path tokens in declaration order.
// A returned error is logged and converted to a 500 if nothing was written.
type Handler func(w http.ResponseWriter, r *http.Request, params []string) error

// FieldHandler is the field-selection handler contract. Instead of writing
// a response it returns a field map; the dispatcher serializes the route's
// required fields plus whichever declared optional fields the client asked
// for via the RequestedFieldsHeader.
type FieldHandler func(r *http.Request, params []string) (map[string]any, error)

// RequestedFieldsHeader names the optional fields a client wants from a
// field-selection route, comma-separated.
const RequestedFieldsHeader = "X-Requested-Fields"

// fieldEndpoint pairs a FieldHandler with its declared field sets.
type fieldEndpoint struct {
	handler  FieldHandler
	required []string
	optional []string
}

// requestedFields parses the RequestedFieldsHeader into a set.
func requestedFields(r *http.Request) map[string]struct{} {
	raw := r.Header.Get(RequestedFieldsHeader)
	if raw == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}

// selectFields filters the handler result down to required fields plus the
// requested subset of optional fields. Fields absent from the result are
// skipped rather than serialized as null.
func (e *fieldEndpoint) selectFields(result map[string]any, requested map[string]struct{}) map[string]any {
	out := make(map[string]any, len(e.required)+len(requested))
	for _, f := range e.required {
		if v, ok := result[f]; ok {
			out[f] = v
		}
	}
	for _, f := range e.optional {
		if _, want := requested[f]; !want {
			continue
		}
		if v, ok := result[f]; ok {
			out[f] = v
		}
	}
	return out
}
