package handle

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tutor-gate/api/internal/admin"
	"tutor-gate/api/internal/metrics"
	"tutor-gate/api/internal/pipeline"
	"tutor-gate/api/internal/tutor"
	"tutor-gate/api/internal/verdict"
	"tutor-gate/api/internal/workpool"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

type Deps struct {
	Pipeline *pipeline.Pipeline
	Tutor    tutor.Responder
	Admin    *admin.Service
	// Admission bounds requests in flight on the public listener; nil means unbounded.
	Admission *workpool.Pool
	Metrics   *metrics.Metrics
	// Checks are run by /api/health; "classifier" is expected.
	Checks map[string]Checker

	TrustProxyHeaders bool
	MaxImageBytes     int64
	TutorTimeout      time.Duration
	AdminToken        string
	Logger            *zap.Logger
}

type Handle struct {
	pipe       *pipeline.Pipeline
	tutor      tutor.Responder
	admin      *admin.Service
	admission  *workpool.Pool
	metrics    *metrics.Metrics
	checks     map[string]Checker
	trustProxy bool
	maxImage   int64
	tutorWait  time.Duration
	adminToken string
	log        *zap.Logger
}

func New(d Deps) *Handle {
	h := &Handle{
		pipe:       d.Pipeline,
		tutor:      d.Tutor,
		admin:      d.Admin,
		admission:  d.Admission,
		metrics:    d.Metrics,
		checks:     d.Checks,
		trustProxy: d.TrustProxyHeaders,
		maxImage:   d.MaxImageBytes,
		tutorWait:  d.TutorTimeout,
		adminToken: strings.TrimSpace(d.AdminToken),
		log:        d.Logger,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.With(zap.String("component", "http"))
	if h.maxImage <= 0 {
		h.maxImage = 10 << 20
	}
	if h.tutorWait <= 0 {
		h.tutorWait = 60 * time.Second
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeVerdict renders a rejection; only the public tier leaves the process.
func writeVerdict(w http.ResponseWriter, v verdict.Verdict) {
	if v.Category == verdict.RateLimited && v.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(v.RetryAfter/time.Second)))
	}
	writeJSON(w, v.HTTPStatus, v.PublicBody())
}

// clientAddr is the connection address, or the first forwarded address when proxy headers are trusted.
func (h *Handle) clientAddr(r *http.Request) string {
	if h.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip := strings.TrimSpace(strings.Split(xff, ",")[0])
			if parsed := net.ParseIP(ip); parsed != nil {
				return parsed.String()
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if parsed := net.ParseIP(xri); parsed != nil {
				return parsed.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port (tests, unix sockets)
		host = r.RemoteAddr
	}
	if parsed := net.ParseIP(host); parsed != nil {
		return parsed.String()
	}
	return "unknown"
}

// baseRequest carries the parts of r every pipeline stage sees.
func (h *Handle) baseRequest(r *http.Request) pipeline.Request {
	return pipeline.Request{
		ID:         requestID(r.Context()),
		ClientAddr: h.clientAddr(r),
		Path:       r.URL.EscapedPath(),
		Query:      r.URL.RawQuery,
		UserAgent:  r.UserAgent(),
	}
}
