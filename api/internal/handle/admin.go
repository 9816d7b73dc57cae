package handle

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"tutor-gate/api/internal/admin"
	"tutor-gate/api/internal/reputation"
)

type BanRequest struct {
	Addr   string `json:"addr"`
	Reason string `json:"reason,omitempty"`
}

type BlacklistResponse struct {
	Count   int                       `json:"count"`
	Clients []reputation.ClientRecord `json:"clients"`
}

func (h *Handle) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin API disabled: ADMIN_TOKEN is not set")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tutor-gate"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handle) AdminClient(w http.ResponseWriter, r *http.Request) {
	rep, err := h.admin.Client(r.Context(), mux.Vars(r)["addr"])
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handle) AdminBlacklist(w http.ResponseWriter, r *http.Request) {
	list := h.admin.Blacklist()
	if list == nil {
		list = []reputation.ClientRecord{}
	}
	writeJSON(w, http.StatusOK, BlacklistResponse{Count: len(list), Clients: list})
}

func (h *Handle) AdminBan(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	rec, err := h.admin.Ban(r.Context(), req.Addr, req.Reason)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handle) AdminUnban(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Unban(r.Context(), mux.Vars(r)["addr"])
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handle) AdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Stats(r.Context()))
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admin.ErrInvalidAddr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reputation.ErrUnknownClient):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
