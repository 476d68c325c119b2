package middleware

import "net/http"

// MaxBodySize bounds request bodies. Signing requests carry a credential, a
// transaction payload and little else; 1MB is generous for every legitimate
// call and cheap to enforce before JSON decoding starts.
const MaxBodySize = 1 << 20

// LimitBody caps the request body at MaxBodySize. Reads past the cap fail
// and close the connection.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		next.ServeHTTP(w, r)
	})
}
