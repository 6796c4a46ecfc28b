package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/spotsave/spotsave/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	existing, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		s.log.WithError(err).Error("looking up user")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	id, err := generateID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	if err := s.db.CreateUser(store.User{ID: id, Username: req.Username, PasswordHash: hash}); err != nil {
		s.log.WithError(err).Error("creating user")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	if err := s.sessions.RenewToken(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.sessions.Put(r.Context(), "userID", id)

	writeJSON(w, http.StatusCreated, map[string]string{"message": "registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.db.GetUserByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		s.log.WithError(err).Error("looking up user")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || !checkPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	// new token on login so a pre-login session can't be fixated
	if err := s.sessions.RenewToken(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.sessions.Put(r.Context(), "userID", user.ID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged in"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if userID := userID(r.Context()); userID != "" {
		// drop credentials on sign-out; the binding survives for reconnect
		s.manager.ClearCredentials(userID)
	}
	if err := s.sessions.Destroy(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// requireAuth loads the session user and rejects anonymous requests.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.sessions.GetString(r.Context(), "userID")
		if id == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		user, err := s.db.GetUserByID(id)
		if err != nil || user == nil {
			_ = s.sessions.Destroy(r.Context())
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

func userID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
