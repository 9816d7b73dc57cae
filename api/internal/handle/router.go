package handle

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router is the public listener. Paths are matched as sent: no cleaning, no decoding,
// so traversal attempts reach the request gate intact.
func (h *Handle) Router() http.Handler {
	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()

	r.HandleFunc("/api/chat", h.Chat).Methods(http.MethodPost)
	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(h.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(h.MethodNotAllowed)

	return withRequestID(h.recoverPanics(h.admit(r)))
}

// NotFound screens unknown paths before answering, so probes still count against the client.
func (h *Handle) NotFound(w http.ResponseWriter, r *http.Request) {
	if v := h.pipe.Screen(r.Context(), h.baseRequest(r)); !v.Allowed {
		writeVerdict(w, v)
		return
	}
	writeError(w, http.StatusNotFound, "endpoint not found")
}

func (h *Handle) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if v := h.pipe.Screen(r.Context(), h.baseRequest(r)); !v.Allowed {
		writeVerdict(w, v)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// AdminRouter is served on the admin listener only.
func (h *Handle) AdminRouter() http.Handler {
	r := mux.NewRouter()

	a := r.PathPrefix("/admin").Subrouter()
	a.Use(h.bearer)
	a.HandleFunc("/clients/{addr}", h.AdminClient).Methods(http.MethodGet)
	a.HandleFunc("/blacklist", h.AdminBlacklist).Methods(http.MethodGet)
	a.HandleFunc("/blacklist", h.AdminBan).Methods(http.MethodPost)
	a.HandleFunc("/blacklist/{addr}", h.AdminUnban).Methods(http.MethodDelete)
	a.HandleFunc("/stats", h.AdminStats).Methods(http.MethodGet)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return withRequestID(h.recoverPanics(r))
}
