package middleware

import (
	"bytes"
	"net/http"
)

// StatusRecorder wraps a ResponseWriter and remembers the status code that
// went out. The first WriteHeader wins; later calls are dropped rather than
// triggering the net/http superfluous-call warning.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

// NewStatusRecorder wraps w, defaulting the recorded status to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	if r.written {
		return
	}
	r.StatusCode = code
	r.written = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// ResponseRecorder additionally captures the body and headers while they
// stream to the client. The idempotency middleware persists the capture so a
// replayed signing request returns the stored response instead of reaching
// the network a second time.
type ResponseRecorder struct {
	*StatusRecorder
	Body    *bytes.Buffer
	Headers http.Header
}

// NewResponseRecorder wraps w for full response capture.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		StatusRecorder: NewStatusRecorder(w),
		Body:           &bytes.Buffer{},
		Headers:        make(http.Header),
	}
}

// WriteHeader snapshots the headers as they stand at first write; mutations
// after that point go to the client but not to the stored replay.
func (r *ResponseRecorder) WriteHeader(code int) {
	if !r.StatusRecorder.written {
		for key, values := range r.ResponseWriter.Header() {
			r.Headers[key] = values
		}
	}
	r.StatusRecorder.WriteHeader(code)
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	if !r.StatusRecorder.written {
		r.WriteHeader(http.StatusOK)
	}
	r.Body.Write(b)
	return r.ResponseWriter.Write(b)
}
