package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/okm-core/internal/access"
)

// handleListAudit returns a page of audit entries, newest first.
//
// Query parameters: key_id, device_id, limit (default 50, max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := access.AuditFilter{KeyID: q.Get("key_id")}

	ints := []struct {
		name string
		dst  *int
	}{
		{"device_id", &filter.DeviceID},
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}

	page, err := s.audit.ListAudit(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
