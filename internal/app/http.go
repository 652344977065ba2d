package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"semreg/api/internal/bundle"
	"semreg/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	apiToken   string
	corsOrigin string
}

func NewHTTPServer(service *Service, apiToken, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, apiToken: apiToken, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

type proposeInput struct {
	Manifest string            `json:"manifest"`
	Contents map[string]string `json:"contents"`
	Actor    string            `json:"actor"`
}

type publishInput struct {
	Publisher string `json:"publisher"`
}

type publishBatchInput struct {
	ChangeSetIDs []string `json:"change_set_ids"`
	Publisher    string   `json:"publisher"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		// Search is best effort: report it, never fail readiness over it.
		if configured, healthy := s.service.SearchHealthy(); configured {
			searchStatus := "ok"
			if !healthy {
				searchStatus = "degraded"
			}
			checks["search"] = map[string]any{"status": searchStatus}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "change-sets":
		s.handleChangeSets(w, r, parts[2:])
	case r.Method == http.MethodPost && r.URL.Path == "/api/publish-batch":
		s.handlePublishBatch(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/diff":
		s.handleDiff(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/search":
		s.handleSearch(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/audit":
		s.handleAudit(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/status-counts":
		s.handleStatusCounts(w, r)
	case parts[1] == "snapshot-sets":
		s.handleSnapshotSets(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChangeSets(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handlePropose(w, r)
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleList(w, r)
	case len(rest) == 1 && rest[0] == "stale-dry-runs" && r.Method == http.MethodGet:
		s.handleStaleDryRuns(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGet(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "validate" && r.Method == http.MethodPost:
		s.handleValidate(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "dry-run" && r.Method == http.MethodPost:
		s.handleDryRun(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "plan" && r.Method == http.MethodGet:
		s.handlePlan(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "publish" && r.Method == http.MethodPost:
		s.handlePublish(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "reports" && r.Method == http.MethodGet:
		s.handleReports(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "bundle" && r.Method == http.MethodGet:
		s.handleArchivedBundle(w, r, rest[0])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePropose(w http.ResponseWriter, r *http.Request) {
	var input proposeInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	manifest, err := bundle.ParseManifest([]byte(input.Manifest))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidBundle, err.Error(), nil)
		return
	}
	b, err := bundle.Build(manifest, input.Contents)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidBundle, err.Error(), nil)
		return
	}

	cs, err := s.service.Propose(r.Context(), b, actorOrDefault(input.Actor))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, changeSetPayload(cs))
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	var status *store.ChangeSetStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := store.ChangeSetStatus(raw)
		status = &st
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := s.service.ListChangeSets(r.Context(), status, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, cs := range items {
		payload = append(payload, changeSetPayload(cs))
	}
	writeJSON(w, http.StatusOK, map[string]any{"change_sets": payload})
}

func (s *HTTPServer) handleStaleDryRuns(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListStaleDryRuns(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, cs := range items {
		payload = append(payload, changeSetPayload(cs))
	}
	writeJSON(w, http.StatusOK, map[string]any{"change_sets": payload})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	cs, artifacts, err := s.service.GetChangeSet(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	artifactPayload := make([]map[string]any, 0, len(artifacts))
	for _, a := range artifacts {
		artifactPayload = append(artifactPayload, map[string]any{
			"artifact_id":  a.ID,
			"type":         a.Type,
			"ordinal":      a.Ordinal,
			"path":         a.Path,
			"content":      a.Content,
			"content_hash": a.ContentHash,
		})
	}
	payload := changeSetPayload(cs)
	payload["artifacts"] = artifactPayload
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleValidate(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	report, err := s.service.Validate(r.Context(), id, s.actorFrom(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleDryRun(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	report, err := s.service.DryRun(r.Context(), id, s.actorFrom(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handlePlan(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	plan, err := s.service.PlanPublish(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	var input publishInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	batch, err := s.service.Publish(r.Context(), id, actorOrDefault(input.Publisher))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchPayload(batch))
}

func (s *HTTPServer) handlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var input publishBatchInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	ids := make([]uuid.UUID, 0, len(input.ChangeSetIDs))
	for _, raw := range input.ChangeSetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST",
				fmt.Sprintf("invalid change set id %q", raw), nil)
			return
		}
		ids = append(ids, id)
	}
	batch, err := s.service.PublishBatch(r.Context(), ids, actorOrDefault(input.Publisher))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchPayload(batch))
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	baseID, ok := parseID(w, r.URL.Query().Get("base"))
	if !ok {
		return
	}
	targetID, ok := parseID(w, r.URL.Query().Get("target"))
	if !ok {
		return
	}
	summary, err := s.service.Diff(r.Context(), baseID, targetID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleReports(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	rows, err := s.service.GetValidationReports(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, map[string]any{
			"report_id": row.ID,
			"stage":     row.Stage,
			"ok":        row.OK,
			"report":    json.RawMessage(row.ReportJSON),
			"ran_at":    row.RanAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": payload})
}

func (s *HTTPServer) handleArchivedBundle(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(w, rawID)
	if !ok {
		return
	}
	data, err := s.service.ArchivedBundle(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.service.SearchChangeSets(r.Context(),
		r.URL.Query().Get("q"), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	var changeSetID *uuid.UUID
	if raw := r.URL.Query().Get("change_set_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid change_set_id", nil)
			return
		}
		changeSetID = &id
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.service.ListAuditEntries(r.Context(), changeSetID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleStatusCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.CountByStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *HTTPServer) handleSnapshotSets(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		history, err := s.service.SnapshotHistory(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if history == nil {
			history = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})
	case len(rest) == 1 && rest[0] == "active" && r.Method == http.MethodGet:
		active, members, err := s.service.ActiveSnapshotSet(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"active_snapshot_set_id": active,
			"change_set_ids":         members,
		})
	case len(rest) == 2 && rest[1] == "rollback" && r.Method == http.MethodPost:
		id, ok := parseID(w, rest[0])
		if !ok {
			return
		}
		if err := s.service.Rollback(r.Context(), id, s.actorFrom(r)); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_snapshot_set_id": id})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ── Plumbing ───────────────────────────────────────────────────────

func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.apiToken == "" {
		return true
	}
	token := bearerToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1
}

func (s *HTTPServer) actorFrom(r *http.Request) string {
	return actorOrDefault(r.Header.Get("X-Actor"))
}

func actorOrDefault(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "anonymous"
	}
	return actor
}

func parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func changeSetPayload(cs store.ChangeSet) map[string]any {
	return map[string]any{
		"change_set_id":                     cs.ID,
		"status":                            cs.Status,
		"title":                             cs.Title,
		"rationale":                         cs.Rationale,
		"created_by":                        cs.CreatedBy,
		"content_hash":                      cs.ContentHash,
		"hash_version":                      cs.HashVersion,
		"breaking_change":                   cs.BreakingChange,
		"depends_on":                        cs.DependsOn,
		"supersedes_change_set_id":          cs.Supersedes,
		"superseded_by":                     cs.SupersededBy,
		"evaluated_against_snapshot_set_id": cs.EvaluatedAgainst,
		"created_at":                        cs.CreatedAt,
		"updated_at":                        cs.UpdatedAt,
	}
}

func batchPayload(batch store.PublishBatch) map[string]any {
	return map[string]any{
		"batch_id":        batch.ID,
		"change_set_ids":  batch.ChangeSetIDs,
		"snapshot_set_id": batch.SnapshotSetID,
		"published_at":    batch.PublishedAt,
		"publisher":       batch.Publisher,
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Actor")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
