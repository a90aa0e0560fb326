package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	orgHeader := r.Header.Get("x-org-id")
	org, err := strconv.ParseUint(orgHeader, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or malformed x-org-id")
		return
	}

	stateless, err := s.auth.Mint(r.Context(), token, int64(org))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": stateless})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	ac, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing auth context")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"org_id": ac.OrgID, "account_id": ac.AccountID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readAll(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
