package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// DefaultAlto is returned by the alto endpoint unless Server.Alto is set.
const DefaultAlto = `<?xml version="1.0" encoding="UTF-8"?>
<alto xmlns="http://www.loc.gov/standards/alto/ns-v4#"><Layout><Page ID="p1"/></Layout></alto>`

// Route names used by Count.
const (
	RoutePasswordGrant = "token:password"
	RouteRefreshGrant  = "token:refresh_token"
	RouteLogout        = "logout"
	RouteSubmit        = "submit"
	RouteStatus        = "status"
	RouteAlto          = "alto"
	RouteModels        = "models"
)

// Reply scripts one answer of the status endpoint. A non-zero Code replaces
// the status document with an error response.
type Reply struct {
	Status     string
	Content    json.RawMessage
	Code       int
	RetryAfter string
	Message    string
	Delay      time.Duration
}

// Recorded is a request received by the server.
type Recorded struct {
	Method string
	Path   string
	Header http.Header
}

// Server is a fake auth + processing + models API.
type Server struct {
	*httptest.Server

	// Settings; change them before the first request.
	User             string
	Password         string
	ExpiresIn        int64
	RefreshExpiresIn int64 // 0 omits refresh_expires_in
	Alto             string

	mu           sync.Mutex
	replies      []Reply
	failRefresh  bool
	failLogout   bool
	tokenCounter int
	accessToken  string
	refreshToken string
	nextID       int
	counts       map[string]int
	requests     []Recorded
	submissions  []json.RawMessage
	issuer       *Server
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{
		User:             "user@example.com",
		Password:         "secret",
		ExpiresIn:        300,
		RefreshExpiresIn: 1800,
		Alto:             DefaultAlto,
		nextID:           1000,
		counts:           make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /processing/processes", s.authorized(s.handleSubmit))
	mux.HandleFunc("GET /processing/processes/{id}", s.authorized(s.handleStatus))
	mux.HandleFunc("GET /processing/processes/{id}/alto", s.authorized(s.handleAlto))
	mux.HandleFunc("GET /trp/models/text", s.handleModels)

	s.Server = httptest.NewServer(s.record(mux))
	return s
}

func (s *Server) AuthURL() string       { return s.URL + "/auth" }
func (s *Server) ProcessingURL() string { return s.URL + "/processing" }
func (s *Server) ModelsURL() string     { return s.URL + "/trp" }

// Script queues status replies. Once the queue is empty the status endpoint
// reports FINISHED.
func (s *Server) Script(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// SetCredentials changes the accepted user and password.
func (s *Server) SetCredentials(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.User = user
	s.Password = password
}

// FailRefresh makes refresh grants fail with 400.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// FailLogout makes logout calls fail with 500.
func (s *Server) FailLogout(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogout = fail
}

// Trust makes the processing endpoints accept tokens issued by another
// server, so auth and processing can live on different origins.
func (s *Server) Trust(issuer *Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuer = issuer
}

// Count returns how often a route was hit.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// Requests returns every received request in order.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// Submissions returns the raw bodies of all process submissions.
func (s *Server) Submissions() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.submissions...)
}

// AccessToken returns the access token issued last.
func (s *Server) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
		})
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) count(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[route]++
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token, issuer := s.accessToken, s.issuer
		s.mu.Unlock()

		if issuer != nil {
			token = issuer.AccessToken()
		}

		if token == "" || r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	grant := r.PostForm.Get("grant_type")
	s.count("token:" + grant)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch grant {
	case "password":
		if r.PostForm.Get("username") != s.User || r.PostForm.Get("password") != s.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":             "invalid_grant",
				"error_description": "Invalid user credentials",
			})
			return
		}
	case "refresh_token":
		if s.failRefresh || r.PostForm.Get("refresh_token") != s.refreshToken {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":             "invalid_grant",
				"error_description": "Token is not active",
			})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		return
	}

	s.tokenCounter++
	s.accessToken = fmt.Sprintf("access-%d", s.tokenCounter)
	s.refreshToken = fmt.Sprintf("refresh-%d", s.tokenCounter)

	body := map[string]any{
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
		"token_type":    "Bearer",
		"expires_in":    s.ExpiresIn,
	}
	if s.RefreshExpiresIn > 0 {
		body["refresh_expires_in"] = s.RefreshExpiresIn
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.count(RouteLogout)

	s.mu.Lock()
	fail := s.failLogout
	s.mu.Unlock()

	if fail {
		http.Error(w, "logout unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.count(RouteSubmit)

	data, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(data) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid body"})
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, data)
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"processId": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.count(RouteStatus)

	s.mu.Lock()
	reply := Reply{Status: "FINISHED"}
	if len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if reply.Code != 0 {
		if reply.RetryAfter != "" {
			w.Header().Set("Retry-After", reply.RetryAfter)
		}
		writeJSON(w, reply.Code, map[string]any{"message": reply.Message})
		return
	}

	body := map[string]any{
		"processId": r.PathValue("id"),
		"status":    reply.Status,
	}
	if reply.Content != nil {
		body["content"] = reply.Content
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAlto(w http.ResponseWriter, r *http.Request) {
	s.count(RouteAlto)

	if !strings.Contains(r.Header.Get("Accept"), "application/xml") {
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, s.Alto)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.count(RouteModels)

	writeJSON(w, http.StatusOK, map[string]any{
		"trpModelMetadata": []map[string]any{
			{"modelId": 51170, "name": "The Text Titan I", "language": "en", "type": "text", "isOfficial": true},
			{"modelId": 38230, "name": "German Kurrent M5", "language": "de", "type": "text"},
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
