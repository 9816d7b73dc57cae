package requestgate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"tutor-gate/api/internal/util"
)

// Decision is the gate outcome. A zero Decision allows the request.
type Decision struct {
	Blocked bool
	Rule    string
	Reason  string
}

type signature struct {
	name string
	re   *regexp.Regexp
}

func sig(name, expr string) signature {
	return signature{name: name, re: regexp.MustCompile(`(?i)` + expr)}
}

var pathSignatures = []signature{
	// admin / remote desktop
	sig("admin-path", `/(admin|administrator|rdp|remote|desktop)`),
	sig("admin-path", `/mstsc`),
	sig("login-script", `/(login|signin|auth)\.php`),

	// CMS
	sig("cms-path", `/(wiki|mediawiki|wordpress|wp-admin|wp-login|wp-content|wp-includes|drupal|joomla)`),
	sig("cms-path", `/phpmyadmin`),

	// dotfiles, configs, dumps
	sig("dotfile", `/\.env`),
	sig("dotfile", `/\.(git|svn|hg)(/|$)`),
	sig("dotfile", `/\.(well-known|htaccess|htpasswd)`),
	sig("config-file", `/config\.(php|json|yml|yaml)`),
	sig("backup-path", `/(backup|backups|dump|sql)(/|\.|$)`),

	// traversal
	sig("traversal", `\.\.`),
	sig("traversal", `%2e%2e`),
	sig("traversal", `%252e%252e`),
	sig("double-slash", `//+`),

	// injection markers
	sig("script-injection", `<script`),
	sig("script-injection", `(javascript|vbscript):`),
	sig("code-injection", `(eval|exec|system)\(`),
	sig("sql-injection", `(union|select|insert|update|delete|drop)\s+(all\s+)?(select|from|where)`),
	sig("shell-meta", "(\\||;|`|\\$\\()"),

	// file inclusion
	sig("file-inclusion", `/(etc/passwd|proc/version|windows/system32)`),
	sig("script-probe", `\.(php|asp|aspx|jsp|py|pl|cgi)(\?|$)`),
	sig("exec-path", `/(cgi-bin|bin/sh|usr/bin)`),

	// crawlers, rpc probes
	sig("crawler", `/(robots\.txt|sitemap\.xml)$`),
	sig("rpc-probe", `/(soap|xmlrpc|rpc2|rpc)(/|\.|$)`),
	sig("auth-probe", `^/(api/v[0-9]+/)?(user|users|login|auth|token)(/|$)`),
}

// Payload text is ordinary chat: no shell metacharacters, no "//" (URLs), no bare "select ... from".
var payloadSignatures = []signature{
	sig("script-injection", `<script`),
	sig("script-injection", `(javascript|vbscript):`),
	sig("script-injection", `\bon(error|load)\s*=`),
	sig("sql-injection", `union\s+(all\s+)?select`),
	sig("sql-injection", `;\s*drop\s+table`),
	sig("sql-injection", `'\s*or\s+'?1'?\s*=\s*'?1`),
	sig("traversal", `\.\./`),
	sig("file-inclusion", `/(etc/passwd|proc/version|windows/system32)`),
}

var scannerAgents = regexp.MustCompile(`(?i)(sqlmap|nikto|nmap|masscan|zmap|gobuster|dirbuster|dirb|wfuzz|burp|owasp|zaproxy)`)

// Classify checks the request path (raw and percent-decoded) and the payload.
func Classify(path string, payload []byte) Decision {
	for _, p := range pathVariants(path) {
		if d, ok := match(pathSignatures, p); ok {
			d.Reason = fmt.Sprintf("malicious path pattern %s: %q", d.Rule, util.Truncate(path, 200))
			return d
		}
	}
	if len(payload) > 0 {
		if d, ok := match(payloadSignatures, string(payload)); ok {
			d.Reason = fmt.Sprintf("malicious payload pattern %s", d.Rule)
			return d
		}
	}
	return Decision{}
}

// ClassifyUserAgent flags known vulnerability scanners.
func ClassifyUserAgent(ua string) Decision {
	if ua == "" {
		return Decision{}
	}
	if m := scannerAgents.FindString(ua); m != "" {
		return Decision{
			Blocked: true,
			Rule:    "scanner-agent",
			Reason:  fmt.Sprintf("scanner user agent %q", strings.ToLower(m)),
		}
	}
	return Decision{}
}

func match(set []signature, s string) (Decision, bool) {
	for _, sg := range set {
		if sg.re.MatchString(s) {
			return Decision{Blocked: true, Rule: sg.name}, true
		}
	}
	return Decision{}, false
}

// pathVariants returns the raw path plus up to two rounds of percent-decoding.
func pathVariants(path string) []string {
	out := []string{path}
	cur := path
	for i := 0; i < 2; i++ {
		dec, err := url.PathUnescape(cur)
		if err != nil || dec == cur {
			break
		}
		out = append(out, dec)
		cur = dec
	}
	return out
}

