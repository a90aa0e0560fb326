package api

import (
	"encoding/json"
	"net/http"

	"kiln/internal/metrics"
	"kiln/internal/store"
	"kiln/internal/workspace"
)

// handleCargoSave implements POST /cache/cargo/save: a JSON array of
// SavedUnit, persisted in a single transaction via C3.save.
func (s *Server) handleCargoSave(w http.ResponseWriter, r *http.Request) {
	ac, _ := authFromContext(r.Context())

	body, err := readAll(r.Body, 64<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var units []workspace.SavedUnit
	if err := json.Unmarshal(body, &units); err != nil {
		writeError(w, http.StatusBadRequest, "malformed saved unit array")
		return
	}

	records := make([]store.UnitRecord, 0, len(units))
	for _, u := range units {
		payload, err := json.Marshal(u)
		if err != nil {
			writeError(w, http.StatusBadRequest, "encode unit")
			return
		}
		records = append(records, store.UnitRecord{
			UnitHash:    u.Info.UnitHash,
			Target:      u.Info.Target,
			Libc:        unitLibcOf(u),
			ContentHash: u.ContentHash(),
			PayloadJSON: payload,
		})
	}

	if err := s.store.Save(r.Context(), ac.OrgID, records); err != nil {
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	metrics.UnitSaves.Add(float64(len(records)))
	w.WriteHeader(http.StatusCreated)
}

// handleCargoRestore implements POST /cache/cargo/restore.
func (s *Server) handleCargoRestore(w http.ResponseWriter, r *http.Request) {
	ac, _ := authFromContext(r.Context())

	var req struct {
		UnitHashes []string `json:"unit_hashes"`
		HostLibc   *string  `json:"host_libc,omitempty"`
	}
	body, err := readAll(r.Body, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	var hostLibc store.UnitLibc
	hostPresent := req.HostLibc != nil
	if hostPresent {
		hostLibc = store.ParseUnitLibc(*req.HostLibc)
	}

	records, err := s.store.Restore(r.Context(), ac.OrgID, req.UnitHashes, hostLibc, hostPresent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "restore failed")
		return
	}

	out := make(map[string]workspace.SavedUnit, len(records))
	for hash, rec := range records {
		var u workspace.SavedUnit
		if err := json.Unmarshal(rec.PayloadJSON, &u); err != nil {
			continue
		}
		out[hash] = u
	}
	metrics.UnitRestores.Add(float64(len(out)))
	writeJSON(w, http.StatusOK, out)
}

// handleCargoReset implements POST /cache/cargo/reset.
func (s *Server) handleCargoReset(w http.ResponseWriter, r *http.Request) {
	ac, _ := authFromContext(r.Context())
	if err := s.store.Reset(r.Context(), ac.OrgID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func unitLibcOf(u workspace.SavedUnit) store.UnitLibc {
	return store.ParseUnitLibc(u.Info.Libc)
}
