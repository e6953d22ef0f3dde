package traceid

import "net/http"

// Header is the default HTTP header carrying the causal id.
const Header = "X-Trace-Id"

// Middleware adopts the id sent in header, or generates one with gen, stores
// it in the request context and echoes it on the response.
func Middleware(gen Generator, header string) func(http.Handler) http.Handler {
	if gen == nil {
		gen = Default()
	}
	if header == "" {
		header = Header
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = gen.NewID()
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
		})
	}
}

// Transport sets the causal id of the request context on outgoing requests.
type Transport struct {
	Base   http.RoundTripper
	Header string
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	header := t.Header
	if header == "" {
		header = Header
	}
	id, ok := FromContext(req.Context())
	if !ok || req.Header.Get(header) != "" {
		return base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set(header, id)
	return base.RoundTrip(out)
}
