package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

type HealthCheckHttpHandler struct {
	checker Checker
	log     *log.Entry
}

func NewHealthCheckHttpHandler(checker Checker) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{
		checker: checker,
		log:     log.WithField("component", "health"),
	}
}

// ServeHTTP answers 204 when every check passes and 503 with the failure text otherwise.
func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	err := h.checker.Check()
	if err == nil {
		h.log.Debug("Health check passed")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		h.log.Errorf("Failed to write health check response: %v", err)
	}
}

// NewHealthMux serves checker on /health.
func NewHealthMux(checker Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", NewHealthCheckHttpHandler(checker))
	return mux
}
