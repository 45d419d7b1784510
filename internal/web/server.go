// Package web exposes the engine over a JSON HTTP API plus an SSE event
// stream per change request.
package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/lucasnoah/crfactory/internal/engine"
	"github.com/lucasnoah/crfactory/internal/intervene"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// Server serves the change request API.
type Server struct {
	engine *engine.Engine
	port   int
}

// NewServer creates a Server for the given engine.
func NewServer(eng *engine.Engine, port int) *Server {
	return &Server{engine: eng, port: port}
}

// Start registers routes and starts listening.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cr", s.handleCollection)
	mux.HandleFunc("/api/cr/", s.routeCR)

	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("crfactory API: http://localhost%s", addr)
	return http.ListenAndServe(addr, mux)
}

// Handler returns the route table without listening. Used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cr", s.handleCollection)
	mux.HandleFunc("/api/cr/", s.routeCR)
	return mux
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleTrigger(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) routeCR(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cr/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1:
		s.handleStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "intervene":
		s.handleIntervene(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "resume":
		s.handleResume(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "abort":
		s.handleAbort(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		s.handleEvents(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "conversation":
		s.handleConversation(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req engine.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	crID, err := s.engine.Trigger(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"cr_id": crID})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	crs, err := s.engine.StatusAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, crs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, crID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cr, err := s.engine.Status(crID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

// interveneRequest is the body of POST /api/cr/{id}/intervene. kind selects
// one of "nudge", "instruction", or "resume".
type interveneRequest struct {
	Kind      string         `json:"kind"`
	Role      string         `json:"role,omitempty"`
	Message   string         `json:"message,omitempty"`
	Text      string         `json:"text,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

func (s *Server) handleIntervene(w http.ResponseWriter, r *http.Request, crID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req interveneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Kind {
	case "nudge":
		err = s.engine.Intervene(crID, &intervene.Nudge{Role: req.Role, Message: req.Message}, nil)
	case "instruction":
		err = s.engine.Intervene(crID, nil, &intervene.Instruction{Text: req.Text})
	case "resume":
		err = s.engine.Resume(crID, req.Overrides)
	default:
		http.Error(w, fmt.Sprintf("unknown intervention kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, crID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Overrides map[string]any `json:"overrides"`
	}
	if r.Body != nil {
		// An empty body is a plain resume with no overrides.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.engine.Resume(crID, body.Overrides); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, crID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.Abort(crID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, crID, key string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.engine.Conversation(crID, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if entries == nil {
		entries = []pipeline.ConversationEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}
