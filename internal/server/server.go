// Package server exposes the audit log across a local process boundary.
//
// The desktop application runs its UI in a separate process; this thin
// HTTP wrapper carries its log-write and query requests 1:1 onto the
// audit package, with no business logic in the transport layer:
//
//	POST /api/events   — append one event, returns the completed entry
//	GET  /api/events   — filtered query (resource, event type, actor, window)
//	GET  /api/verify   — chain integrity report
//	GET  /api/export   — compliance export (jsonl, json, csv)
//	GET  /api/live     — WebSocket feed of entries as they are appended
//
// Binds to loopback by default; the wrapper is a process boundary, not a
// network service.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/casetrace/casetrace/internal/audit"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Log      *audit.Log
	LiveFeed bool // Serve the /api/live WebSocket feed.
}

// Server wraps an audit.Log behind HTTP handlers.
type Server struct {
	log  *audit.Log
	feed *feedHub
}

// New creates a Server. When the live feed is enabled, the server
// registers itself as the log's append observer and starts the
// broadcast hub.
func New(opts Options) *Server {
	s := &Server{log: opts.Log}
	if opts.LiveFeed {
		s.feed = newFeedHub()
		go s.feed.run()
		opts.Log.Notify(s.broadcastEntry)
	}
	return s
}

// Handler returns the routed http.Handler for all /api/ endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/export", s.handleExport)
	if s.feed != nil {
		mux.HandleFunc("/api/live", s.handleLive)
	}

	return mux
}

// handleEvents routes append (POST) and query (GET) on /api/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAppend(w, r)
	case http.MethodGet:
		s.handleQuery(w, r)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleAppend appends one event and returns the completed entry.
// POST /api/events  { "event_type": "case.create", ... }
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var ev audit.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	entry, err := s.log.Append(r.Context(), ev)
	if err != nil {
		if errors.Is(err, audit.ErrWriteFailure) {
			// The business operation behind this request must learn
			// that no audit trail exists for its action.
			slog.Error("audit append failed", "event_type", ev.EventType, "error", err)
			http.Error(w, "audit write failed", http.StatusInternalServerError)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// handleQuery returns entries matching the request filters.
// GET /api/events?resource_type=case&resource_id=case-42&event_type=case.*&since=24h&limit=100
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := audit.QueryParams{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		EventType:    q.Get("event_type"),
		Actor:        q.Get("actor"),
		Action:       audit.Action(q.Get("action")),
		Since:        q.Get("since"),
		Until:        q.Get("until"),
	}
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		params.Limit = parsed
	}

	entries, err := s.log.Query(r.Context(), params)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleVerify runs a chain integrity scan and returns the report.
// GET /api/verify?from=1&to=100&all=true
//
// A broken chain is a 200 with valid:false — tampering is data, not a
// transport error.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var opts audit.VerifyOptions
	var err error
	if opts.From, err = parseSeq(q.Get("from")); err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	if opts.To, err = parseSeq(q.Get("to")); err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	opts.All = q.Get("all") == "true"

	result, err := s.log.Verify(r.Context(), opts)
	if err != nil {
		slog.Error("verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleExport streams a compliance export.
// GET /api/export?format=csv&event_type=case.*
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "jsonl"
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	case "json":
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}

	params := audit.QueryParams{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		EventType:    q.Get("event_type"),
		Actor:        q.Get("actor"),
		Since:        q.Get("since"),
		Until:        q.Get("until"),
	}
	if err := s.log.Export(r.Context(), w, format, params); err != nil {
		// Headers are likely already written; just log.
		slog.Error("audit export failed", "format", format, "error", err)
	}
}

// broadcastEntry forwards an appended entry to all live feed clients.
// Non-blocking; registered as the log's observer.
func (s *Server) broadcastEntry(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed entry", "sequence", e.Sequence, "error", err)
		return
	}
	s.feed.broadcast(data)
}

// parseSeq parses an optional sequence number query parameter.
func parseSeq(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
