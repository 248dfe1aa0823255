package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/domain/session"
)

// sessionListResponse is the paged body of GET /api/v1/sessions.
type sessionListResponse struct {
	Sessions   []*audit.SessionSummary `json:"sessions"`
	TotalCount int                     `json:"total_count"`
	Page       int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q)
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	summaries, total, err := s.svcs.Audits.ListSessions(r.Context(), session.Filter{
		AgentID:         q.Get("agent_id"),
		UserID:          q.Get("user_id"),
		IncludeArchived: queryBool(q, "include_archived"),
	}, page)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions:   summaries,
		TotalCount: total,
		Page:       effectivePage(page),
		PageSize:   page.Limit(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r.URL.Query())
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	entries, err := s.svcs.Audits.GetSession(r.Context(), r.PathValue("id"), page)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svcs.Audits.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	deleted, err := s.svcs.Audits.DeleteSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "deleted",
		"session_id":   sessionID,
		"logs_deleted": deleted,
	})
}

// archiveRequest is the body of the archive endpoints.
type archiveRequest struct {
	SessionIDs    []string `json:"session_ids"` // bulk only
	RetentionDays int      `json:"retention_days"`
	ArchivedBy    string   `json:"archived_by"`
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req archiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	res, err := s.svcs.Compliance.ArchiveSession(r.Context(), sessionID, req.RetentionDays, req.ArchivedBy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "archived",
		"session_id":      sessionID,
		"retention_until": res.RetentionUntil,
	})
}

func (s *Server) handleBulkArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}
	if len(req.SessionIDs) == 0 {
		writeError(w, r, KindValidation, "session_ids must not be empty")
		return
	}

	res, err := s.svcs.Compliance.ScheduleArchival(r.Context(), req.SessionIDs, req.RetentionDays, req.ArchivedBy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format := q.Get("format")
	if format == "" {
		format = audit.FormatJSON
	}
	if format != audit.FormatJSON && format != audit.FormatCSV {
		writeError(w, r, KindValidation, fmt.Sprintf("unknown export format %q", format))
		return
	}

	filter, err := parseEntryFilter(q)
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", exportFilename(format)))

	// The body streams as entries are walked; an error mid-stream can
	// only truncate the download, not change the status.
	if err := s.svcs.Audits.Export(r.Context(), filter, format, w); err != nil {
		LoggerFromContext(r.Context()).Error("export aborted",
			"format", format,
			"error", err,
		)
	}
}

func exportFilename(format string) string {
	return fmt.Sprintf("runlok-export-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
}

// parsePage reads 1-based pagination parameters. Absent values fall
// back to the service defaults.
func parsePage(q url.Values) (audit.Page, error) {
	var p audit.Page
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid page %q", raw)
		}
		p.Number = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid page_size %q", raw)
		}
		p.Size = n
	}
	return p, nil
}

func effectivePage(p audit.Page) int {
	if p.Number < 1 {
		return 1
	}
	return p.Number
}

func queryBool(q url.Values, key string) bool {
	v, err := strconv.ParseBool(q.Get(key))
	return err == nil && v
}

// parseEntryFilter reads the shared entry-filter parameters of the
// export and verify endpoints.
func parseEntryFilter(q url.Values) (audit.Filter, error) {
	start, err := parseTimeParam(q.Get("start_date"), "start_date")
	if err != nil {
		return audit.Filter{}, err
	}
	end, err := parseTimeParam(q.Get("end_date"), "end_date")
	if err != nil {
		return audit.Filter{}, err
	}
	return audit.Filter{
		SessionID:       q.Get("session_id"),
		AgentID:         q.Get("agent_id"),
		UserID:          q.Get("user_id"),
		IncludeArchived: queryBool(q, "include_archived"),
		Start:           start,
		End:             end,
	}, nil
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates. Empty means
// unbounded.
func parseTimeParam(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid %s %q, want RFC 3339 or YYYY-MM-DD", name, raw)
}
