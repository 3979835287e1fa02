// Package authtest provides an in-process fake of the school backend's
// authentication and attendance API for tests.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/schoolhub/sessionkeeper/session"
)

// DefaultPassword is the password of users added with AddUser("", ...).
const DefaultPassword = "correct-horse-battery"

type account struct {
	user session.UserRecord
	hash []byte
}

// AttendanceRecord is what the fake stores per (class, date).
type AttendanceRecord struct {
	ClassID string            `json:"class_id"`
	Date    string            `json:"date"`
	Entries map[string]string `json:"entries"`
}

// Server is a fake backend. Its exported knobs may be changed between
// requests; they are read under the server's lock.
type Server struct {
	*httptest.Server

	signingKey []byte
	lockout    *lockout

	mu         sync.Mutex
	accounts   map[string]*account // by email
	access     map[string]string   // access token -> user ID
	refresh    map[string]string   // refresh token -> user ID
	attendance map[string]AttendanceRecord

	refreshDelay     time.Duration
	refreshStatus    int
	rotateRefresh    bool
	omitRefreshUser  bool
	rejectAllAccess  bool
	attendanceStatus int

	refreshCalls    atomic.Int32
	loginCalls      atomic.Int32
	meCalls         atomic.Int32
	attendanceCalls atomic.Int32
}

// NewServer starts a fake backend. Close it when done.
func NewServer() *Server {
	s := &Server{
		signingKey:    []byte(uuid.NewString()),
		lockout:       newLockout(),
		accounts:      make(map[string]*account),
		access:        make(map[string]string),
		refresh:       make(map[string]string),
		attendance:    make(map[string]AttendanceRecord),
		rotateRefresh: true,
	}
	s.Server = httptest.NewServer(s.Router())
	return s
}

// Router returns the backend's routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Post("/auth/login", s.login)
	r.Post("/auth/refresh", s.refreshToken)
	r.Post("/auth/register", s.register)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAccess)
		r.Get("/auth/me", s.me)
		r.Get("/classes", s.classes)
		r.Post("/echo", s.echo)
		r.Get("/attendance", s.listAttendance)
		r.Post("/attendance", s.createAttendance)
		r.Put("/attendance/{classID}/{date}", s.updateAttendance)
	})
	return r
}

// AddUser registers an account and returns its record. An empty password
// means DefaultPassword.
func (s *Server) AddUser(email, password, role, name string) session.UserRecord {
	if password == "" {
		password = DefaultPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	u := session.UserRecord{
		ID:          uuid.NewString(),
		Email:       email,
		Role:        role,
		DisplayName: name,
		SchoolID:    "school-1",
	}
	s.mu.Lock()
	s.accounts[email] = &account{user: u, hash: hash}
	s.mu.Unlock()
	return u
}

// IssueTokens mints a credential pair for an existing user, as if they had
// logged in.
func (s *Server) IssueTokens(email string) session.Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[email]
	if !ok {
		panic("authtest: unknown user " + email)
	}
	return s.issueLocked(acct.user.ID, true)
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = make(map[string]string)
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refresh = make(map[string]string)
	s.mu.Unlock()
}

// SetRefreshDelay delays every refresh response by d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// SetRefreshStatus makes the refresh endpoint answer with status; zero restores normal behaviour.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	s.refreshStatus = status
	s.mu.Unlock()
}

// SetRotateRefresh controls whether refresh responses carry a new refresh token.
func (s *Server) SetRotateRefresh(rotate bool) {
	s.mu.Lock()
	s.rotateRefresh = rotate
	s.mu.Unlock()
}

// SetOmitRefreshUser controls whether refresh responses omit the user.
func (s *Server) SetOmitRefreshUser(omit bool) {
	s.mu.Lock()
	s.omitRefreshUser = omit
	s.mu.Unlock()
}

// SetRejectAllAccess makes every protected route answer 401, even for fresh tokens.
func (s *Server) SetRejectAllAccess(reject bool) {
	s.mu.Lock()
	s.rejectAllAccess = reject
	s.mu.Unlock()
}

// SetAttendanceStatus makes attendance writes answer with status; zero restores normal behaviour.
func (s *Server) SetAttendanceStatus(status int) {
	s.mu.Lock()
	s.attendanceStatus = status
	s.mu.Unlock()
}

// RefreshCalls returns how many requests reached the refresh endpoint.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// LoginCalls returns how many requests reached the login endpoint.
func (s *Server) LoginCalls() int { return int(s.loginCalls.Load()) }

// MeCalls returns how many authorised requests reached /auth/me.
func (s *Server) MeCalls() int { return int(s.meCalls.Load()) }

// AttendanceCalls returns how many authorised attendance writes were received.
func (s *Server) AttendanceCalls() int { return int(s.attendanceCalls.Load()) }

// Attendance returns the stored record for (classID, date).
func (s *Server) Attendance(classID, date string) (AttendanceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attendance[classID+"/"+date]
	return rec, ok
}

func (s *Server) issueLocked(userID string, withRefresh bool) session.Tokens {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		panic(err)
	}
	s.access[signed] = userID
	t := session.Tokens{AccessToken: signed}
	if withRefresh {
		t.RefreshToken = "rt-" + uuid.NewString()
		s.refresh[t.RefreshToken] = userID
	}
	return t
}

func (s *Server) userByID(id string) (session.UserRecord, bool) {
	for _, a := range s.accounts {
		if a.user.ID == id {
			return a.user, true
		}
	}
	return session.UserRecord{}, false
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if wait, locked := s.lockout.check(req.Email); locked {
		writeLocked(w, wait)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[req.Email]
	if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(req.Password)) != nil {
		s.lockout.recordFailure(req.Email)
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	s.lockout.recordSuccess(req.Email)
	t := s.issueLocked(acct.user.ID, true)
	u := acct.user
	writeJSON(w, http.StatusOK, session.AuthResponse{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, User: &u})
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	delay, status := s.refreshDelay, s.refreshStatus
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeError(w, status, "refresh unavailable")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "refresh token invalid")
		return
	}
	if s.rotateRefresh {
		delete(s.refresh, req.RefreshToken)
	}
	t := s.issueLocked(userID, s.rotateRefresh)
	resp := session.AuthResponse{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	if !s.omitRefreshUser {
		if u, ok := s.userByID(userID); ok {
			resp.User = &u
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req session.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	s.mu.Lock()
	_, exists := s.accounts[req.Email]
	s.mu.Unlock()
	if exists {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	role := req.Role
	if role == "" {
		role = "teacher"
	}
	u := s.AddUser(req.Email, req.Password, role, req.DisplayName)
	writeJSON(w, http.StatusCreated, u)
}

type ctxKey struct{}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, valid := s.access[token]
		reject := s.rejectAllAccess
		s.mu.Unlock()
		if !ok || !valid || reject {
			writeError(w, http.StatusUnauthorized, "access token invalid")
			return
		}
		_, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return s.signingKey, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "access token invalid")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r, userID)))
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	s.meCalls.Add(1)
	s.mu.Lock()
	u, ok := s.userByID(userFrom(r))
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) classes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]string{
		{"id": "class-7a", "name": "7A"},
		{"id": "class-7b", "name": "7B"},
	})
}

// echo returns the request body and the bearer token it was sent with.
func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]any{
		"body":          body,
		"authorization": r.Header.Get("Authorization"),
		"request_id":    r.Header.Get("X-Request-ID"),
	})
}

func (s *Server) listAttendance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]AttendanceRecord, 0, len(s.attendance))
	for _, rec := range s.attendance {
		out = append(out, rec)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createAttendance(w http.ResponseWriter, r *http.Request) {
	s.writeAttendance(w, r, "", "")
}

func (s *Server) updateAttendance(w http.ResponseWriter, r *http.Request) {
	s.writeAttendance(w, r, chi.URLParam(r, "classID"), chi.URLParam(r, "date"))
}

func (s *Server) writeAttendance(w http.ResponseWriter, r *http.Request, classID, date string) {
	s.attendanceCalls.Add(1)
	var rec AttendanceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if classID != "" {
		rec.ClassID, rec.Date = classID, date
	}
	s.mu.Lock()
	status := s.attendanceStatus
	if status == 0 {
		s.attendance[rec.ClassID+"/"+rec.Date] = rec
	}
	s.mu.Unlock()
	if status != 0 {
		writeError(w, status, "attendance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
