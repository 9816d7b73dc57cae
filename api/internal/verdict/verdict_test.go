package verdict

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReject_SecurityRelevantHidesDetail(t *testing.T) {
	for _, c := range []Category{MalformedPath, Blacklisted, UnsafeContent, IrrelevantContent} {
		v := Reject(StageSafety, c, "matched rule 7: violence")
		b := v.PublicBody()

		assert.Equal(t, PublicNotAllowed, b.Error, c)
		assert.Equal(t, "not_allowed", b.Reason, c)
		assert.Equal(t, "filter", b.FilterStage, c)
		assert.NotContains(t, b.Error, "violence")
	}
}

func TestReject_Statuses(t *testing.T) {
	cases := map[Category]int{
		MalformedPath:            http.StatusBadRequest,
		RateLimited:              http.StatusTooManyRequests,
		Blacklisted:              http.StatusForbidden,
		UnsafeContent:            http.StatusForbidden,
		IrrelevantContent:        http.StatusForbidden,
		ImageQualityInsufficient: http.StatusUnprocessableEntity,
		UpstreamError:            http.StatusServiceUnavailable,
		InternalError:            http.StatusInternalServerError,
	}
	for c, want := range cases {
		assert.Equal(t, want, Reject(StageInternal, c, "").HTTPStatus, c)
	}
}

func TestPublicBody_RateLimitCarriesRetryHint(t *testing.T) {
	v := Reject(StageRateLimit, RateLimited, "21 requests in window")
	v.RetryAfter = 12 * time.Second

	b := v.PublicBody()
	assert.Equal(t, "RateLimited", b.Reason)
	assert.Equal(t, "rate_limit", b.FilterStage)
	assert.Equal(t, 12, b.RetryAfterSeconds)
}

func TestPublicBody_ImageQualityIsSpecific(t *testing.T) {
	v := Reject(StageImageQuality, ImageQualityInsufficient, "low resolution")
	v.Quality = &QualityGuidance{Issues: []string{"low resolution (200x200)"}}

	b := v.PublicBody()
	assert.Equal(t, "ImageQualityInsufficient", b.Reason)
	assert.Equal(t, []string{"low resolution (200x200)"}, b.Issues)
}

func TestPublicBody_ImageQualityNamesAdvisories(t *testing.T) {
	v := Reject(StageImageQuality, ImageQualityInsufficient, "blurry")
	v.Quality = &QualityGuidance{
		Issues:          []string{"image is blurry (sharpness: 3.0)", "no clear Mahjong tiles detected"},
		Recommendations: []string{"focus", "Please ensure Mahjong tiles are clearly visible in the image"},
	}
	v.Advice = &QualityGuidance{Issues: []string{"no clear Mahjong tiles detected"}}

	b := v.PublicBody()
	assert.Len(t, b.Issues, 2)
	assert.Equal(t, []string{"no clear Mahjong tiles detected"}, b.Advisories)

	// advice never leaks into other rejections
	other := Reject(StageRelevance, IrrelevantContent, "label=IRRELEVANT")
	other.Advice = v.Advice
	assert.Empty(t, other.PublicBody().Advisories)
}

func TestCategory_Violation(t *testing.T) {
	assert.True(t, MalformedPath.Violation())
	assert.True(t, UnsafeContent.Violation())
	assert.True(t, IrrelevantContent.Violation())
	assert.False(t, UpstreamError.Violation())
	assert.False(t, ImageQualityInsufficient.Violation())
	assert.False(t, RateLimited.Violation())
	assert.False(t, Blacklisted.Violation())
}
