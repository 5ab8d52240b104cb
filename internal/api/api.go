package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"healthwatch/internal/feed"
	"healthwatch/internal/models"
	"healthwatch/internal/session"
	"healthwatch/internal/store"
)

// Server provides the REST API handlers plus the session WebSocket.
type Server struct {
	feed     *feed.Poller
	registry *session.Registry
	store    store.Store
}

// NewServer creates a new API server.
// The store may be nil if report persistence is disabled.
func NewServer(p *feed.Poller, reg *session.Registry, st store.Store) *Server {
	return &Server{
		feed:     p,
		registry: reg,
		store:    st,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.HandleFunc("GET /api/v1/issues", s.listIssues)

	mux.HandleFunc("GET /api/v1/reports", s.listReports)
	mux.HandleFunc("GET /api/v1/reports/{id}", s.getReport)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/ws", s.sessionSocket)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Issues ---

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	issues := s.feed.Latest()
	if issues == nil {
		issues = []models.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// --- Reports ---

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	reports, err := s.store.ListReports(r.Context(), r.URL.Query().Get("issue_key"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	id := r.PathValue("id")
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Sessions ---

type sessionEntry struct {
	IssueKey string `json:"issue_key"`
	State    string `json:"state"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.Statuses()
	entries := make([]sessionEntry, 0, len(statuses))
	for key, state := range statuses {
		entries = append(entries, sessionEntry{IssueKey: key, State: string(state)})
	}
	writeJSON(w, http.StatusOK, entries)
}
