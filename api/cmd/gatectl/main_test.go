package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method, path, auth string
	body               map[string]string
}

func adminStub(t *testing.T, status int, reply string) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.method, s.path, s.auth = r.Method, r.URL.EscapedPath(), r.Header.Get("Authorization")
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&s.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBan_PostsReasonWithToken(t *testing.T) {
	srv, s := adminStub(t, http.StatusOK, `{"addr":"203.0.113.5","blacklisted":true}`)

	out, err := execute(t, "--addr", srv.URL, "--token", "s3cret", "ban", "203.0.113.5", "card", "scraping")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/admin/blacklist", s.path)
	assert.Equal(t, "Bearer s3cret", s.auth)
	assert.Equal(t, map[string]string{"addr": "203.0.113.5", "reason": "card scraping"}, s.body)
	assert.Contains(t, out, `"blacklisted": true`)
}

func TestUnban_EscapesIPv6(t *testing.T) {
	srv, s := adminStub(t, http.StatusOK, `{}`)

	_, err := execute(t, "--addr", srv.URL, "unban", "2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, s.method)
	assert.Equal(t, "/admin/blacklist/2001:db8::1", s.path)
	assert.Empty(t, s.auth)
}

func TestClient_ErrorBodySurfaces(t *testing.T) {
	srv, _ := adminStub(t, http.StatusNotFound, `{"error":"unknown client"}`)

	_, err := execute(t, "--addr", srv.URL, "client", "192.0.2.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404 unknown client")
}

func TestArgsValidated(t *testing.T) {
	_, err := execute(t, "client")
	assert.Error(t, err)
	_, err = execute(t, "stats", "extra")
	assert.Error(t, err)
}

func TestNewClient_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9090", newClient("127.0.0.1:9090/", "", 0).base)
	assert.True(t, strings.HasPrefix(newClient("https://gate.example", "", 0).base, "https://"))
}
