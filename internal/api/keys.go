package api

import "net/http"

// handleDrainUnknownKey returns and clears the last badge that matched no
// registered key. The enrolment screen calls it after asking the new
// member to badge once.
func (s *Server) handleDrainUnknownKey(w http.ResponseWriter, _ *http.Request) {
	keyID, ok := s.state.DrainUnknownKey()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key_id": keyID})
}
