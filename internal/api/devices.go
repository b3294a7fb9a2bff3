package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/okm-core/internal/crawler"
	"github.com/nerrad567/okm-core/internal/device"
)

// deviceView is a controller together with its current holder.
type deviceView struct {
	device.Device
	State  string     `json:"state"`
	KeyID  string     `json:"key_id,omitempty"`
	Holder string     `json:"holder,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
}

// handleListDevices returns every configured controller, sorted by ID.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	snapshot := s.state.Snapshot()
	devices := s.registry.List()

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.viewOf(r, d, snapshot[d.ID]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleGetDevice returns one controller.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeBadRequest(w, "device id must be a positive integer")
		return
	}

	d, err := s.registry.GetDevice(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, s.viewOf(r, d, s.state.Snapshot()[id]))
}

// viewOf resolves the holder's display name. A lookup failure only costs
// the name; the key ID is still shown.
func (s *Server) viewOf(r *http.Request, d device.Device, h crawler.Holder) deviceView {
	v := deviceView{Device: d, State: "locked"}
	if h.Locked() {
		return v
	}

	since := h.Since
	v.State = "unlocked"
	v.KeyID = h.KeyID
	v.Since = &since
	if k, err := s.audit.GetKey(r.Context(), h.KeyID); err == nil {
		v.Holder = k.DisplayName()
	} else {
		s.logger.Debug("holder name lookup failed", "key_id", h.KeyID, "error", err)
	}
	return v
}
