package rest

import (
	"fmt"
	"net/http"
	"strconv"
)

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTimeParam(q.Get("start_date"), "start_date")
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}
	end, err := parseTimeParam(q.Get("end_date"), "end_date")
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	var detail bool
	switch q.Get("report_type") {
	case "", "summary":
	case "detailed", "full":
		detail = true
	default:
		writeError(w, r, KindValidation,
			fmt.Sprintf("unknown report_type %q, want summary or detailed", q.Get("report_type")))
		return
	}

	report, err := s.svcs.Compliance.AssembleReport(r.Context(), start, end, detail)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetentionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svcs.Compliance.RetentionStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	// Deleting audit data is the one irreversible operation here, so the
	// sweep defaults to a dry run.
	dryRun := true
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, KindValidation, fmt.Sprintf("invalid dry_run %q", raw))
			return
		}
		dryRun = v
	}

	res, err := s.svcs.Compliance.SweepExpired(r.Context(), dryRun)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIntegrityVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTimeParam(q.Get("start_date"), "start_date")
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}
	end, err := parseTimeParam(q.Get("end_date"), "end_date")
	if err != nil {
		writeError(w, r, KindValidation, err.Error())
		return
	}

	res, err := s.svcs.Compliance.VerifyRange(r.Context(), start, end, q.Get("session_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
