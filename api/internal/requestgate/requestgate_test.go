package requestgate

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClassify_BlocksPaths(t *testing.T) {
	blocked := []string{
		"/wp-admin/setup.php",
		"/WP-ADMIN/setup.php",
		"/.env",
		"/.git/config",
		"/phpMyAdmin/index.php",
		"/static/../../etc/passwd",
		"/static/%2e%2e/%2e%2e/etc/passwd",
		"/static/%252e%252e/secret",
		"/config.yaml",
		"/cgi-bin/test",
		"/xmlrpc.php",
		"/robots.txt",
		"/api/v1/users",
		"//api/chat",
		"/index.php?id=1",
	}
	for _, p := range blocked {
		d := Classify(p, nil)
		assert.True(t, d.Blocked, p)
		assert.NotEmpty(t, d.Rule, p)
	}
}

func TestClassify_AllowsServicePaths(t *testing.T) {
	for _, p := range []string{"/", "/api/chat", "/api/health", "/favicon.ico", "/assets/app.js"} {
		assert.False(t, Classify(p, nil).Blocked, p)
	}
}

func TestClassify_Payload(t *testing.T) {
	cases := []struct {
		text    string
		blocked bool
	}{
		{"Should I discard the 3 bamboo or keep the pung?", false},
		{"which tile do I select from my hand; east or south?", false},
		{"see https://example.com/rules for the card", false},
		{"<script>alert(1)</script>", true},
		{"1' OR 1=1 --", true},
		{"x UNION ALL SELECT password FROM users", true},
		{"abc; DROP TABLE users", true},
		{"../../etc/passwd", true},
		{`<img src=x onerror=alert(1)>`, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.blocked, Classify("/api/chat", []byte(tc.text)).Blocked, tc.text)
	}
}

func TestClassify_ReasonKeepsRule(t *testing.T) {
	d := Classify("/wp-admin/setup.php", []byte("hello"))
	assert.Equal(t, "cms-path", d.Rule)
	assert.Contains(t, d.Reason, "/wp-admin/setup.php")
}

func TestClassify_LongReasonKeepsRunesWhole(t *testing.T) {
	path := "/wp-admin/x" + strings.Repeat("é", 150)
	d := Classify(path, nil)
	assert.True(t, d.Blocked)
	assert.True(t, utf8.ValidString(d.Reason))
	assert.NotContains(t, d.Reason, `\x`)
	assert.Contains(t, d.Reason, "é...")
}

func TestClassifyUserAgent(t *testing.T) {
	assert.True(t, ClassifyUserAgent("sqlmap/1.7.2#stable (https://sqlmap.org)").Blocked)
	assert.True(t, ClassifyUserAgent("Mozilla/5.00 (Nikto/2.1.6)").Blocked)
	assert.False(t, ClassifyUserAgent("Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0").Blocked)
	assert.False(t, ClassifyUserAgent("").Blocked)
}
