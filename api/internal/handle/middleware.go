package handle

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tutor-gate/api/internal/verdict"
)

type ctxKey int

const requestIDKey ctxKey = iota

const admissionWait = 2 * time.Second

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRequestID tags the request with a fresh id; client-supplied ids are not trusted.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// admit holds one admission slot for the whole request and sheds load when none frees up in time.
func (h *Handle) admit(next http.Handler) http.Handler {
	if h.admission == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), admissionWait)
		release, err := h.admission.Acquire(ctx)
		cancel()
		if err != nil {
			h.log.Warn("admission pool full", zap.String("request_id", requestID(r.Context())), zap.Int("size", h.admission.Size()))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, verdict.PublicUnavailable)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

// recoverPanics keeps a handler bug from killing the connection without a response.
func (h *Handle) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.log.Error("handler panic",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, verdict.PublicInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
