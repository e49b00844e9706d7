package middleware

import "net/http"

// statusRecorder remembers the status and size of a response. Unwrap keeps
// http.ResponseController able to flush SSE streams through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// finalStatus is the status to report once the handler returned. A request
// whose client disconnected without an error response counts as 499.
func (r *statusRecorder) finalStatus(req *http.Request) int {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	if req.Context().Err() != nil && status < 400 {
		return statusClientClosed
	}
	return status
}
