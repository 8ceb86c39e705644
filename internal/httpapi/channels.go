package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ludash/controlplane/internal/store"
)

func channelIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := s.channels.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list channels failed")
		return
	}
	writeJSON(w, http.StatusOK, chs)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch store.NotificationChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ch.Name == "" || ch.Provider == "" {
		writeError(w, http.StatusBadRequest, "name and provider are required")
		return
	}
	id, err := s.channels.Create(r.Context(), &ch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create channel failed")
		return
	}
	ch.ID = id
	writeJSON(w, http.StatusCreated, &ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	var ch store.NotificationChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ch.ID = channelID
	if err := s.channels.Update(r.Context(), &ch); err != nil {
		writeError(w, http.StatusInternalServerError, "update channel failed")
		return
	}
	writeJSON(w, http.StatusOK, &ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	if err := s.channels.Delete(r.Context(), channelID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete channel failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	if err := s.channels.SendTest(r.Context(), channelID); err != nil {
		writeError(w, http.StatusBadGateway, "test notification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
