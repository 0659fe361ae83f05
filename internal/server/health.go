package server

import "net/http"

// Pre-allocated response bodies and header value slice for the probes.
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz reports 503 with the failing check's message while the worker
// is down or the store is unreachable.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
