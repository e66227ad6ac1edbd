// Package server is an in-memory implementation of the respondent API
// used for local development and tests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/zach-source/gradtracer/internal/protocol"
)

// Context key for authenticated claims
type contextKey string

const claimsKey = contextKey("claims")

// Claims are carried in respondent tokens.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Guest bool   `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

type respondent struct {
	email string
	name  string
	hash  []byte
}

type sessionKey struct {
	formID string
	email  string
}

type formSession struct {
	id      string
	expired bool
}

type replaceCode struct {
	formID string
	email  string
	used   bool
}

// Config configures a Server.
type Config struct {
	Addr     string
	Secret   []byte
	TokenTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type Server struct {
	addr     string
	secret   []byte
	tokenTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	respondents map[string]respondent
	sessions    map[sessionKey]*formSession
	codes       map[string]*replaceCode
	revoked     map[string]bool
	removals    []protocol.RemovalEmailRequest
}

func New(cfg Config) *Server {
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte(uuid.NewString())
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		addr:        cfg.Addr,
		secret:      cfg.Secret,
		tokenTTL:    cfg.TokenTTL,
		logger:      cfg.Logger.With(slog.String("component", "devapi")),
		now:         cfg.Now,
		respondents: make(map[string]respondent),
		sessions:    make(map[sessionKey]*formSession),
		codes:       make(map[string]*replaceCode),
		revoked:     make(map[string]bool),
	}
}

// AddRespondent registers an account that can log in with password.
func (s *Server) AddRespondent(email, name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.respondents[normalizeEmail(email)] = respondent{email: normalizeEmail(email), name: name, hash: hash}
	s.mu.Unlock()
	return nil
}

// IssueReplaceCode creates a one-time code that resolves a duplicate
// session of email on formID.
func (s *Server) IssueReplaceCode(formID, email string) string {
	code := uuid.NewString()
	s.mu.Lock()
	s.codes[code] = &replaceCode{formID: formID, email: normalizeEmail(email)}
	s.mu.Unlock()
	return code
}

// ExpireSession marks the session of email on formID as expired.
func (s *Server) ExpireSession(formID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok := s.sessions[sessionKey{formID, normalizeEmail(email)}]; ok {
		fs.expired = true
	}
}

// RemovalEmails returns the removal notifications requested so far.
func (s *Server) RemovalEmails() []protocol.RemovalEmailRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.RemovalEmailRequest, len(s.removals))
	copy(out, s.removals)
	return out
}

// Handler returns the HTTP routes of the API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/respondent/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/respondent/logout", s.auth(s.handleLogout)).Methods(http.MethodDelete)
	r.HandleFunc("/response/verifyformsession/{formId}", s.auth(s.handleVerify)).Methods(http.MethodGet)
	r.HandleFunc("/response/sessionremoval/{code}", s.handleSessionRemoval).Methods(http.MethodPatch)
	r.HandleFunc("/response/sessionlogout/{formId}", s.auth(s.handleSessionLogout)).Methods(http.MethodDelete)
	r.HandleFunc("/response/send-removal-email", s.handleRemovalEmail).Methods(http.MethodPost)
	r.HandleFunc("/checksession", s.auth(s.handleCheckSession)).Methods(http.MethodGet)
	return r
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("dev api listening", slog.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) issueToken(email, name string, guest bool) (string, error) {
	now := s.now()
	claims := Claims{
		Name:  name,
		Guest: guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// auth rejects requests without a valid, unrevoked bearer token
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeSessionExpired)
			return
		}
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
		if err != nil {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeSessionExpired)
			return
		}
		s.mu.Lock()
		revoked := s.revoked[claims.ID]
		s.mu.Unlock()
		if revoked {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeSessionExpired)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func claimsFrom(r *http.Request) *Claims {
	c, _ := r.Context().Value(claimsKey).(*Claims)
	return c
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	email := normalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email required")
		return
	}

	name := req.Name
	if !req.IsGuest {
		s.mu.Lock()
		acct, ok := s.respondents[email]
		s.mu.Unlock()
		if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(req.Password)) != nil {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeInvalidCredentials)
			return
		}
		name = acct.name
	}

	tok, err := s.issueToken(email, name, req.IsGuest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token")
		return
	}
	s.logger.Debug("respondent login", slog.String("email", email), slog.Bool("guest", req.IsGuest))
	writeData(w, protocol.LoginResponse{Token: tok, Respondent: protocol.Respondent{Email: email, Name: name}})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	s.mu.Lock()
	s.revoked[c.ID] = true
	s.mu.Unlock()
	writeData(w, nil)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	formID := mux.Vars(r)["formId"]

	s.mu.Lock()
	key := sessionKey{formID, c.Subject}
	fs, ok := s.sessions[key]
	if !ok {
		fs = &formSession{id: uuid.NewString()}
		s.sessions[key] = fs
	}
	expired := fs.expired
	id := fs.id
	s.mu.Unlock()

	if expired {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeSessionExpired)
		return
	}
	writeData(w, protocol.SessionPayload{
		SessionID:      id,
		FormID:         formID,
		IsActive:       true,
		RespondentInfo: &protocol.Respondent{Email: c.Subject, Name: c.Name},
		ExpiresAt:      c.ExpiresAt.Unix(),
	})
}

func (s *Server) handleSessionRemoval(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	skipLogin := r.URL.Query().Get("skiplogin") == "1"

	s.mu.Lock()
	rc, ok := s.codes[code]
	if !ok || rc.used {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, protocol.ErrCodeInvalidCode)
		return
	}
	rc.used = true
	key := sessionKey{rc.formID, rc.email}
	delete(s.sessions, key)
	var fs *formSession
	if !skipLogin {
		fs = &formSession{id: uuid.NewString()}
		s.sessions[key] = fs
	}
	name := s.respondents[rc.email].name
	s.mu.Unlock()

	resp := protocol.ReplaceResponse{FormID: rc.formID}
	info := &protocol.Respondent{Email: rc.email, Name: name}
	if skipLogin {
		resp.Session = &protocol.SessionPayload{FormID: rc.formID, IsActive: false, RespondentInfo: info}
		writeData(w, resp)
		return
	}

	tok, err := s.issueToken(rc.email, name, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token")
		return
	}
	resp.Token = tok
	resp.Session = &protocol.SessionPayload{SessionID: fs.id, FormID: rc.formID, IsActive: true, RespondentInfo: info}
	writeData(w, resp)
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	formID := mux.Vars(r)["formId"]
	s.mu.Lock()
	delete(s.sessions, sessionKey{formID, c.Subject})
	s.revoked[c.ID] = true
	s.mu.Unlock()
	writeData(w, nil)
}

func (s *Server) handleRemovalEmail(w http.ResponseWriter, r *http.Request) {
	var req protocol.RemovalEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Email == "" || req.FormID == "" {
		writeError(w, http.StatusBadRequest, "email and form_id required")
		return
	}
	s.mu.Lock()
	s.removals = append(s.removals, req)
	s.mu.Unlock()
	writeData(w, nil)
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	writeData(w, protocol.CheckSessionResponse{
		LoggedIn:   true,
		Respondent: &protocol.Respondent{Email: c.Subject, Name: c.Name},
	})
}

func writeData(w http.ResponseWriter, data any) {
	env := protocol.Envelope{Success: true}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode")
			return
		}
		env.Data = b
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.Envelope{Success: false, Error: msg})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
