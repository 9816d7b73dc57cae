package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPrompt reads <dir>/<provider>/<name>.txt, then <dir>/<name>.txt, else returns def.
// An empty dir always yields def.
func LoadPrompt(dir, provider, name, def string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return def, nil
	}
	candidates := []string{filepath.Join(dir, name+".txt")}
	if provider != "" {
		candidates = append([]string{filepath.Join(dir, strings.ToLower(provider), name+".txt")}, candidates...)
	}
	for _, p := range candidates {
		b, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("prompt %s: %w", p, err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
	}
	return def, nil
}

// Render substitutes {{key}} placeholders.
func Render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
