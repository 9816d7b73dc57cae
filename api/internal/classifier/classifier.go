package classifier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"tutor-gate/api/internal/util"
	"tutor-gate/api/internal/verdict"
)

var (
	ErrEmptyResponse   = errors.New("classifier: empty response")
	ErrUnparseable     = errors.New("classifier: reply carries no verdict label")
	ErrUnknownProvider = errors.New("classifier: unknown provider")
	ErrUnknownStage    = errors.New("classifier: unknown stage")
)

// Input is one moderation question. Stage is verdict.StageSafety or verdict.StageRelevance.
type Input struct {
	Stage verdict.Stage
	Text  string
	Image []byte
	MIME  string
}

type Result struct {
	Allowed    bool
	Label      string
	Confidence float64
	TokensUsed int
	Model      string
	Raw        string
}

// Classifier answers safety and relevance questions against one model provider.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, in Input) (Result, error)
	Ping(ctx context.Context) error
}

// StatusError is a non-2xx reply from an HTTP provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Provider, e.Code, util.Truncate(e.Body, 300))
}

// Temporary reports whether retrying the same call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// Retryable reports whether err is worth one more attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnknownStage) || errors.Is(err, ErrUnknownProvider) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

var (
	safetyLabels    = regexp.MustCompile(`\b(UNSAFE|NOT SAFE|SAFE|MALICIOUS|JAILBREAK|INJECTION|BENIGN)\b`)
	relevanceLabels = regexp.MustCompile(`\b(IRRELEVANT|NOT RELEVANT|RELEVANT)\b`)
)

// ParseVerdict reads a label out of a free-text model reply. Labels are matched as whole words,
// so "UNSAFE" never reads as "SAFE". Conflicting labels resolve to the blocking one with low confidence.
func ParseVerdict(stage verdict.Stage, reply string) (Result, error) {
	up := strings.ToUpper(util.StripCodeFences(reply))
	if strings.TrimSpace(up) == "" {
		return Result{}, ErrEmptyResponse
	}

	var re *regexp.Regexp
	switch stage {
	case verdict.StageSafety:
		re = safetyLabels
	case verdict.StageRelevance:
		re = relevanceLabels
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	found := re.FindAllString(up, -1)
	if len(found) == 0 {
		return Result{}, fmt.Errorf("%w: %q", ErrUnparseable, util.Truncate(reply, 80))
	}

	label := found[0]
	allowed := passing(label)
	conf := 0.9
	for _, l := range found[1:] {
		if passing(l) != allowed {
			// a conflict blocks, so report the blocking label
			if allowed {
				label = l
			}
			allowed = false
			conf = 0.5
			break
		}
	}
	return Result{Allowed: allowed, Label: label, Confidence: conf, Raw: reply}, nil
}

func passing(label string) bool {
	switch label {
	case "SAFE", "BENIGN", "RELEVANT":
		return true
	}
	return false
}
