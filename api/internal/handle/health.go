package handle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health reports dependency reachability. Failures are logged; the response only says which one.
func (h *Handle) Health(w http.ResponseWriter, r *http.Request) {
	if v := h.pipe.Screen(r.Context(), h.baseRequest(r)); !v.Allowed {
		writeVerdict(w, v)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		results  = make(map[string]string, len(h.checks))
		degraded bool
		g        errgroup.Group
	)
	for name, check := range h.checks {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = "unavailable"
				degraded = true
				h.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
				return nil
			}
			results[name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{Status: "healthy", Service: "tutor-gate", Timestamp: time.Now().UTC(), Checks: results}
	code := http.StatusOK
	if degraded {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
