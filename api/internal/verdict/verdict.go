package verdict

import (
	"net/http"
	"time"
)

// Stage is the pipeline stage that produced a verdict.
type Stage string

const (
	StageRequestGate  Stage = "request_gate"
	StageBlacklist    Stage = "blacklist"
	StageRateLimit    Stage = "rate_limit"
	StageImageQuality Stage = "image_quality"
	StageSafety       Stage = "safety"
	StageRelevance    Stage = "relevance"
	StageUpstream     Stage = "upstream_error"
	StageInternal     Stage = "internal"
	StageComplete     Stage = "complete"
)

// Category is the rejection taxonomy.
type Category string

const (
	None                     Category = ""
	MalformedPath            Category = "MalformedPath"
	RateLimited              Category = "RateLimited"
	Blacklisted              Category = "Blacklisted"
	UnsafeContent            Category = "UnsafeContent"
	IrrelevantContent        Category = "IrrelevantContent"
	ImageQualityInsufficient Category = "ImageQualityInsufficient"
	UpstreamError            Category = "UpstreamError"
	InternalError            Category = "InternalError"
	// Canceled is internal only: the client went away mid-pipeline.
	Canceled Category = "Canceled"
)

// Categories lists every rejection category in a stable order.
var Categories = []Category{
	MalformedPath, RateLimited, Blacklisted, UnsafeContent, IrrelevantContent,
	ImageQualityInsufficient, UpstreamError, InternalError, Canceled,
}

// StatusClientClosedRequest is the nginx convention for a request abandoned by the client.
const StatusClientClosedRequest = 499

const (
	PublicNotAllowed   = "request not allowed"
	PublicRateLimited  = "rate limit exceeded, please try again later"
	PublicImageQuality = "image quality is not sufficient for analysis"
	PublicUnavailable  = "service temporarily unavailable, please try again"
	PublicInternal     = "internal server error"
)

// Public reason/stage labels used when a rejection must not reveal which rule fired.
const (
	publicCategoryHidden = "not_allowed"
	publicStageHidden    = "filter"
)

// Moderation is the outcome of one classifier call.
type Moderation struct {
	Stage      Stage   `json:"stage"`
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used,omitempty"`
	Model      string  `json:"model,omitempty"`
}

// Verdict is the single value returned across the pipeline boundary.
type Verdict struct {
	Allowed        bool
	HTTPStatus     int
	PublicReason   string
	InternalReason string
	Stage          Stage
	Category       Category

	RetryAfter time.Duration
	Quality    *QualityGuidance
	// Advice carries non-blocking image findings, on allowed and image quality verdicts alike.
	Advice     *QualityGuidance
	Moderation []Moderation
}

// QualityGuidance is the user-facing part of an image quality rejection.
type QualityGuidance struct {
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SecurityRelevant reports whether the category must hide its details from the client.
func (c Category) SecurityRelevant() bool {
	switch c {
	case MalformedPath, Blacklisted, UnsafeContent, IrrelevantContent:
		return true
	}
	return false
}

// Violation reports whether a rejection in this category counts against the client's reputation.
// Blacklisted clients are already past the threshold and are not re-counted.
func (c Category) Violation() bool {
	switch c {
	case MalformedPath, UnsafeContent, IrrelevantContent:
		return true
	}
	return false
}

// Status maps a category to its HTTP status.
func (c Category) Status() int {
	switch c {
	case None:
		return http.StatusOK
	case MalformedPath:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case Blacklisted, UnsafeContent, IrrelevantContent:
		return http.StatusForbidden
	case ImageQualityInsufficient:
		return http.StatusUnprocessableEntity
	case UpstreamError:
		return http.StatusServiceUnavailable
	case Canceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (c Category) publicReason() string {
	switch {
	case c.SecurityRelevant():
		return PublicNotAllowed
	case c == RateLimited:
		return PublicRateLimited
	case c == ImageQualityInsufficient:
		return PublicImageQuality
	case c == UpstreamError, c == Canceled:
		return PublicUnavailable
	default:
		return PublicInternal
	}
}

// Allow builds the pass verdict.
func Allow(moderation []Moderation) Verdict {
	return Verdict{
		Allowed:    true,
		HTTPStatus: http.StatusOK,
		Stage:      StageComplete,
		Moderation: moderation,
	}
}

// Reject builds a rejection; the public reason is always derived from the category,
// never from the internal one.
func Reject(stage Stage, c Category, internal string) Verdict {
	return Verdict{
		HTTPStatus:     c.Status(),
		PublicReason:   c.publicReason(),
		InternalReason: internal,
		Stage:          stage,
		Category:       c,
	}
}

// Body is the JSON returned to the client on rejection.
type Body struct {
	Error             string   `json:"error"`
	Reason            string   `json:"reason"`
	FilterStage       string   `json:"filterStage"`
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
	Issues            []string `json:"issues,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
	// Advisories marks which issues did not block on their own.
	Advisories []string `json:"advisories,omitempty"`
}

// PublicBody renders the client-facing tier of a rejection.
func (v Verdict) PublicBody() Body {
	b := Body{
		Error:       v.PublicReason,
		Reason:      string(v.Category),
		FilterStage: string(v.Stage),
	}
	if v.Category.SecurityRelevant() {
		b.Reason = publicCategoryHidden
		b.FilterStage = publicStageHidden
	}
	if v.Category == RateLimited {
		b.RetryAfterSeconds = int(v.RetryAfter / time.Second)
	}
	if v.Quality != nil {
		b.Issues = v.Quality.Issues
		b.Recommendations = v.Quality.Recommendations
		if v.Advice != nil {
			b.Advisories = v.Advice.Issues
		}
	}
	return b
}
