package imagequality

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type Thresholds struct {
	MinSharpness  float64 // Laplacian variance
	MinBrightness float64
	MaxBrightness float64
	MinContrast   float64
	MinWidth      int
	MinHeight     int
	MaxBytes      int64
	// MaxPixels guards against decompression bombs; checked from the header before decoding.
	MaxPixels int
	// AnalysisPixels caps the image size the signals are computed on.
	AnalysisPixels int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSharpness:   100,
		MinBrightness:  30,
		MaxBrightness:  240,
		MinContrast:    20,
		MinWidth:       300,
		MinHeight:      300,
		MaxBytes:       10 << 20,
		MaxPixels:      50_000_000,
		AnalysisPixels: 4_000_000,
	}
}

// Report holds the measured signals. Pass/fail is derived through HardGateFailed.
type Report struct {
	Format         string  `json:"format,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Sharpness      float64 `json:"sharpness"`
	SharpnessScore float64 `json:"sharpness_score"`
	Brightness     float64 `json:"brightness"`
	Contrast       float64 `json:"contrast"`

	TileRegionDetected bool `json:"tile_region_detected"`
	TileCandidates     int  `json:"tile_candidates"`

	Undecodable   bool `json:"undecodable,omitempty"`
	TooLarge      bool `json:"too_large,omitempty"`
	LowResolution bool `json:"low_resolution,omitempty"`
	Blurry        bool `json:"blurry,omitempty"`
	TooDark       bool `json:"too_dark,omitempty"`
	Overexposed   bool `json:"overexposed,omitempty"`
	LowContrast   bool `json:"low_contrast,omitempty"`

	// Issues lists every failing signal, advisory ones included.
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	// Advisories are the entries of Issues that never block, with their recommendations.
	Advisories              []string `json:"advisories,omitempty"`
	AdvisoryRecommendations []string `json:"advisory_recommendations,omitempty"`
}

// HardGateFailed reports whether any blocking signal fired.
func (r Report) HardGateFailed() bool {
	return r.Undecodable || r.TooLarge || r.LowResolution || r.Blurry ||
		r.TooDark || r.Overexposed || r.LowContrast
}

// IssueKeys returns short labels for the failed gates, for metrics.
func (r Report) IssueKeys() []string {
	var out []string
	for _, kv := range []struct {
		on  bool
		key string
	}{
		{r.Undecodable, "undecodable"},
		{r.TooLarge, "too_large"},
		{r.LowResolution, "low_resolution"},
		{r.Blurry, "blurry"},
		{r.TooDark, "too_dark"},
		{r.Overexposed, "overexposed"},
		{r.LowContrast, "low_contrast"},
	} {
		if kv.on {
			out = append(out, kv.key)
		}
	}
	return out
}

type Assessor struct {
	th Thresholds
}

func New(th Thresholds) *Assessor {
	d := DefaultThresholds()
	if th.MinWidth == 0 {
		th.MinWidth = d.MinWidth
	}
	if th.MinHeight == 0 {
		th.MinHeight = d.MinHeight
	}
	if th.MaxBytes == 0 {
		th.MaxBytes = d.MaxBytes
	}
	if th.MaxPixels == 0 {
		th.MaxPixels = d.MaxPixels
	}
	if th.AnalysisPixels == 0 {
		th.AnalysisPixels = d.AnalysisPixels
	}
	return &Assessor{th: th}
}

// Assess decodes b and measures every signal. It never returns an error:
// undecodable or oversized input is reported as a failed gate.
func (a *Assessor) Assess(b []byte) Report {
	var r Report

	if int64(len(b)) > a.th.MaxBytes {
		r.TooLarge = true
		r.issue(fmt.Sprintf("image too large (%.1fMB, maximum %.0fMB)", mb(int64(len(b))), mb(a.th.MaxBytes)),
			"Please compress the image or take a smaller photo")
		return r
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return undecodable(r)
	}
	r.Format = format
	r.Width, r.Height = cfg.Width, cfg.Height
	if cfg.Width*cfg.Height > a.th.MaxPixels {
		r.TooLarge = true
		r.issue(fmt.Sprintf("image dimensions too large (%dx%d)", cfg.Width, cfg.Height),
			"Please send a smaller photo")
		return r
	}

	img, err := tryDecodeStrict(b)
	if err != nil {
		return undecodable(r)
	}

	if r.Width < a.th.MinWidth || r.Height < a.th.MinHeight {
		r.LowResolution = true
		r.issue(fmt.Sprintf("low resolution (%dx%d, minimum %dx%d)", r.Width, r.Height, a.th.MinWidth, a.th.MinHeight),
			fmt.Sprintf("Please use at least %dx%d resolution", a.th.MinWidth, a.th.MinHeight))
	}

	g := luminance(downscale(img, a.th.AnalysisPixels))

	r.Sharpness = laplacianVariance(g)
	r.SharpnessScore = math.Min(100, math.Max(0, r.Sharpness/a.th.MinSharpness*100))
	if r.Sharpness < a.th.MinSharpness {
		r.Blurry = true
		r.issue(fmt.Sprintf("image is blurry (sharpness: %.1f)", r.Sharpness),
			"Please hold the camera steady and make sure the tiles are in focus")
	}

	r.Brightness, r.Contrast = meanStd(g)
	switch {
	case r.Brightness < a.th.MinBrightness:
		r.TooDark = true
		r.issue(fmt.Sprintf("image too dark (brightness: %.1f)", r.Brightness),
			"Please take the photo in better lighting or use flash")
	case r.Brightness > a.th.MaxBrightness:
		r.Overexposed = true
		r.issue(fmt.Sprintf("image overexposed (brightness: %.1f)", r.Brightness),
			"Please reduce lighting or move away from bright light sources")
	}
	if r.Contrast < a.th.MinContrast {
		r.LowContrast = true
		r.issue(fmt.Sprintf("poor contrast (contrast: %.1f)", r.Contrast),
			"Please make sure the tile edges are clearly visible")
	}

	r.TileCandidates = detectTiles(g)
	r.TileRegionDetected = r.TileCandidates > 0
	if !r.TileRegionDetected {
		r.advise("no clear Mahjong tiles detected",
			"Please ensure Mahjong tiles are clearly visible in the image")
	}
	return r
}

func (r *Report) issue(issue, rec string) {
	r.Issues = append(r.Issues, issue)
	r.Recommendations = append(r.Recommendations, rec)
}

func (r *Report) advise(issue, rec string) {
	r.issue(issue, rec)
	r.Advisories = append(r.Advisories, issue)
	r.AdvisoryRecommendations = append(r.AdvisoryRecommendations, rec)
}

func undecodable(r Report) Report {
	r.Undecodable = true
	r.issue("failed to decode image", "Please upload a valid image file (JPEG, PNG or WebP)")
	return r
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// tryDecodeStrict picks the decoder by magic bytes first, then falls back to the registry.
func tryDecodeStrict(b []byte) (image.Image, error) {
	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8 {
		return jpeg.Decode(bytes.NewReader(b))
	}
	if len(b) >= 8 &&
		b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47 &&
		b[4] == 0x0D && b[5] == 0x0A && b[6] == 0x1A && b[7] == 0x0A {
		return png.Decode(bytes.NewReader(b))
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}

// downscale keeps the aspect ratio and returns src unchanged when it is already small enough.
func downscale(src image.Image, maxPixels int) image.Image {
	sb := src.Bounds()
	total := sb.Dx() * sb.Dy()
	if total <= maxPixels {
		return src
	}
	scale := math.Sqrt(float64(maxPixels) / float64(total))
	newW := max(1, int(float64(sb.Dx())*scale+0.5))
	newH := max(1, int(float64(sb.Dy())*scale+0.5))
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	return dst
}
