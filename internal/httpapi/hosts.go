package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ludash/controlplane/internal/store"
)

func hostIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "hostID"), 10, 64)
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list hosts failed")
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

type createHostRequest struct {
	Hostname       string         `json:"hostname"`
	Port           int            `json:"port"`
	Username       string         `json:"username"`
	DisplayName    string         `json:"display_name"`
	AuthMode       store.AuthMode `json:"auth_mode"`
	Password       string         `json:"password,omitempty"`
	PrivateKey     string         `json:"private_key,omitempty"`
	KeyPassword    string         `json:"key_password,omitempty"`
	SudoPassword   string         `json:"sudo_password,omitempty"`
}

func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req createHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Hostname == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "hostname and username are required")
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	host := &store.Host{
		Hostname:    req.Hostname,
		Port:        req.Port,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		AuthMode:    req.AuthMode,
	}

	if err := s.encryptCredentials(host, req.Password, req.PrivateKey, req.KeyPassword, req.SudoPassword); err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt credentials failed")
		return
	}

	id, err := s.store.CreateHost(r.Context(), host)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create host failed")
		return
	}
	host.ID = id
	writeJSON(w, http.StatusCreated, host)
}

type updateHostRequest struct {
	DisplayName            *string  `json:"display_name,omitempty"`
	Password               *string  `json:"password,omitempty"`
	PrivateKey              *string  `json:"private_key,omitempty"`
	KeyPassword             *string  `json:"key_password,omitempty"`
	SudoPassword            *string  `json:"sudo_password,omitempty"`
	DisabledManagers        []string `json:"disabled_managers,omitempty"`
	ExcludeFromBulkUpgrade  *bool    `json:"exclude_from_bulk_upgrade,omitempty"`
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	host, err := s.store.GetHost(r.Context(), hostID)
	if err != nil {
		writeError(w, http.StatusNotFound, "host not found")
		return
	}

	var req updateHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DisplayName != nil {
		host.DisplayName = *req.DisplayName
	}
	if req.DisabledManagers != nil {
		host.DisabledManagers = req.DisabledManagers
	}
	if req.ExcludeFromBulkUpgrade != nil {
		host.ExcludeFromBulkUpgrade = *req.ExcludeFromBulkUpgrade
	}

	var pw, key, keyPw, sudoPw string
	if req.Password != nil {
		pw = *req.Password
	}
	if req.PrivateKey != nil {
		key = *req.PrivateKey
	}
	if req.KeyPassword != nil {
		keyPw = *req.KeyPassword
	}
	if req.SudoPassword != nil {
		sudoPw = *req.SudoPassword
	}
	if pw != "" || key != "" || keyPw != "" || sudoPw != "" {
		if err := s.encryptCredentials(host, pw, key, keyPw, sudoPw); err != nil {
			writeError(w, http.StatusInternalServerError, "encrypt credentials failed")
			return
		}
	}

	if err := s.store.UpdateHost(r.Context(), host); err != nil {
		writeError(w, http.StatusInternalServerError, "update host failed")
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	if err := s.store.DeleteHost(r.Context(), hostID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete host failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	updates, err := s.store.ListUpdates(r.Context(), hostID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list updates failed")
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.store.ListHistory(r.Context(), hostID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list history failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// dispatch runs fn on hostID in a background goroutine and responds
// immediately with the job record polled at GET /api/jobs/{id}.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, hostID int64, action string, fn func(ctx context.Context) error) {
	job := s.jobs.create(hostID, action)
	go func() {
		err := fn(context.Background())
		s.jobs.complete(job.ID, err)
		if err != nil {
			s.log.Error().Err(err).Int64("host_id", hostID).Str("action", action).Msg("dispatched operation failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	s.dispatch(w, r, hostID, "check", func(ctx context.Context) error {
		return s.orch.Check(ctx, hostID)
	})
}

func (s *Server) handleUpgradeAll(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	s.dispatch(w, r, hostID, "upgrade_all", func(ctx context.Context) error {
		return s.orch.UpgradeAll(ctx, hostID)
	})
}

func (s *Server) handleFullUpgradeAll(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	s.dispatch(w, r, hostID, "full_upgrade_all", func(ctx context.Context) error {
		return s.orch.FullUpgradeAll(ctx, hostID)
	})
}

func (s *Server) handleUpgradeOne(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	pkg := chi.URLParam(r, "pkg")
	s.dispatch(w, r, hostID, "upgrade_package", func(ctx context.Context) error {
		return s.orch.UpgradeOne(ctx, hostID, pkg)
	})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	s.dispatch(w, r, hostID, "reboot", func(ctx context.Context) error {
		return s.orch.Reboot(ctx, hostID)
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "jobID")
	id, err := parseJobID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := s.jobs.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
