package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"time"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/routes"
	"github.com/siteflow/siteflow/internal/siteflowerr"
	"github.com/siteflow/siteflow/internal/subscription"
)

// --- Sites & containers (spec §6) ---

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	sites, err := s.state.Get(r.Context(), refresh)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) handleSiteAction(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	action := r.PathValue("action")
	out, err := s.acts.SiteAction(r.Context(), site, action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")
	out, err := s.acts.ContainerAction(r.Context(), name, action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleCaddyReload(w http.ResponseWriter, r *http.Request) {
	out, err := s.acts.ReverseProxyReload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

// --- Topology (spec §6) ---

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	sites, err := s.state.Get(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.graphs.Build(sites))
}

// --- Routes (spec §6) ---

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	sites, err := s.state.Get(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}
	var all []routes.Route
	for _, site := range sites {
		for _, t := range site.Targets {
			all = append(all, routes.Route{Domain: t.Domain, Container: t.Container, Port: t.Port})
		}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleAddRoute(w http.ResponseWriter, r *http.Request) {
	var route routes.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "decode request body", err))
		return
	}
	out, err := s.acts.AddRoute(r.Context(), route)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeError(w, siteflowerr.New(siteflowerr.KindValidation, "domain query parameter is required"))
		return
	}
	out, err := s.acts.RemoveRoute(r.Context(), domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

// --- Provisioning (spec §6, §4.8) ---

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, provision.Catalog())
}

type detectRequest struct {
	Files []string `json:"files"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "decode request body", err))
		return
	}
	writeJSON(w, http.StatusOK, provision.Detect(req.Files))
}

type provisionCreateRequest struct {
	Name        string            `json:"name"`
	Template    string            `json:"template"`
	Domain      string            `json:"domain,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (s *Server) handleProvisionCreate(w http.ResponseWriter, r *http.Request) {
	var req provisionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "decode request body", err))
		return
	}
	res, err := s.prov.Create(r.Context(), provision.CreateRequest{
		Name: req.Name, Template: provision.Template(req.Template), Domain: req.Domain, Environment: req.Environment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "site": res})
}

type provisionDeleteRequest struct {
	Name          string `json:"name"`
	RemoveVolumes bool   `json:"remove_volumes,omitempty"`
	RemoveFiles   bool   `json:"remove_files,omitempty"`
}

func (s *Server) handleProvisionDelete(w http.ResponseWriter, r *http.Request) {
	var req provisionDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "decode request body", err))
		return
	}
	if err := s.prov.Deprovision(r.Context(), provision.DeprovisionRequest{
		Name: req.Name, RemoveVolumes: req.RemoveVolumes, RemoveFiles: req.RemoveFiles,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// --- Deploy (spec §6, §4.7) ---

type deployGitRequest struct {
	Site    string `json:"site"`
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch,omitempty"`
}

func (s *Server) handleDeployGitHub(w http.ResponseWriter, r *http.Request) {
	var req deployGitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "decode request body", err))
		return
	}
	out, err := s.acts.DeployGit(r.Context(), req.Site, req.RepoURL, req.Branch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleDeployPull(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	out, err := s.acts.DeployPull(r.Context(), site)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleDeployUpload(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "parse multipart form", err))
		return
	}
	fh, err := firstFile(r.MultipartForm)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := readMultipartFile(fh)
	if err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "read uploaded archive", err))
		return
	}
	files, err := unzip(data)
	if err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "unzip uploaded archive", err))
		return
	}
	out, err := s.acts.DeployFiles(r.Context(), site, files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleDeployFolder(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "parse multipart form", err))
		return
	}
	var files []DeployFile
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			data, err := readMultipartFile(fh)
			if err != nil {
				writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "read uploaded file", err))
				return
			}
			files = append(files, DeployFile{RelPath: relPathFor(fh), Data: data})
		}
	}
	out, err := s.acts.DeployFiles(r.Context(), site, files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": out})
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	status, err := s.acts.DeployStatus(r.Context(), site)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func firstFile(form *multipart.Form) (*multipart.FileHeader, error) {
	for _, headers := range form.File {
		if len(headers) > 0 {
			return headers[0], nil
		}
	}
	return nil, siteflowerr.New(siteflowerr.KindValidation, "no file uploaded")
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// unzip extracts an uploaded .zip archive into a flat list of DeployFile
// entries (spec §6 `POST /deploy/upload`). Uses the standard library's
// archive/zip; no third-party zip library appears anywhere in the corpus,
// so this is the idiomatic default rather than a justified exception.
func unzip(data []byte) ([]DeployFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var files []DeployFile
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, DeployFile{RelPath: path.Clean(f.Name), Data: content})
	}
	return files, nil
}

func relPathFor(fh *multipart.FileHeader) string {
	if fh.Filename != "" {
		return path.Clean(fh.Filename)
	}
	return "unnamed"
}

// --- Health (spec §6, §4.11) ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"monitors": s.health.ListMonitors()})
}

// --- Audit (spec §6, §4.9) ---

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	filter := audit.Filter{
		ActionType: r.URL.Query().Get("action_type"),
		TargetType: r.URL.Query().Get("target_type"),
		TargetName: r.URL.Query().Get("target_name"),
		Status:     r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = &t
		}
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = &t
		}
	}
	result, err := s.aud.Query(r.Context(), filter, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "older_than_days", 90)
	deleted, err := s.aud.Cleanup(r.Context(), time.Now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_count": deleted})
}

// --- Backups (spec §6, §4.10) ---

func (s *Server) handleBackupRuns(w http.ResponseWriter, r *http.Request) {
	var run backup.Run
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, siteflowerr.Wrap(siteflowerr.KindValidation, "decode request body", err))
		return
	}
	if err := s.backups.Record(r.Context(), run); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleBackupSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.backups.Summary(r.Context(), s.configuredThresholds())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// configuredThresholds reads the operator's live per-job-type freshness
// settings (spec §4.10, §6) off the runtime config, falling back to the
// spec's documented defaults if no config was wired in.
func (s *Server) configuredThresholds() backup.Thresholds {
	if s.thresholds == nil {
		return backup.DefaultThresholds()
	}
	cfg := s.thresholds.BackupThresholds()
	t := make(backup.Thresholds, len(cfg))
	for jobType, d := range cfg {
		t[backup.JobType(jobType)] = d
	}
	return t
}

func (s *Server) handleBackupSnapshots(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if site == "" {
		writeError(w, siteflowerr.New(siteflowerr.KindValidation, "site query parameter is required"))
		return
	}
	points, err := s.backups.RestorePoints(r.Context(), site)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- WebSocket (spec §6, §4.6) ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	subscription.ServeWS(w, r, s.hub, s.dispatch, s.log)
}
