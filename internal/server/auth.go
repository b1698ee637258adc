package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/internal/auth"
	"taskboard/internal/backend"
	"taskboard/internal/models"
	"taskboard/internal/storage/sqlite"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "taskboard_session"

const userKey = "user"

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type sessionResponse struct {
	User      models.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// handleRegister creates an account and signs it in.
func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.passwords.ValidatePassword(req.Password); err != nil {
		s.fail(c, err)
		return
	}
	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}

	user, err := s.client.CreateUser(c.Request.Context(), email, hash, models.RoleUser)
	if errors.Is(err, sqlite.ErrConflict) {
		s.respondError(c, http.StatusConflict, fmt.Errorf("an account with this email already exists"))
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("account registered", "user_id", user.ID)
	s.startSession(c, http.StatusCreated, user)
}

// handleLogin checks credentials and issues a session.
func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		s.fail(c, auth.ErrInvalidCredentials)
		return
	}
	user, err := s.client.GetUserByEmail(c.Request.Context(), email)
	if errors.Is(err, sqlite.ErrNotFound) {
		s.fail(c, auth.ErrInvalidCredentials)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.passwords.ComparePassword(user.PasswordHash, req.Password); err != nil {
		s.fail(c, err)
		return
	}
	s.startSession(c, http.StatusOK, user)
}

func (s *Server) startSession(c *gin.Context, status int, user models.User) {
	token, expires, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(s.tokens.Duration().Seconds()), "/", "", s.secureCookies, true)
	respondSuccess(c, status, sessionResponse{User: user, Token: token, ExpiresAt: expires})
}

// handleLogout clears the session cookie.
func (s *Server) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", s.secureCookies, true)
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleSession returns the signed-in user.
func (s *Server) handleSession(c *gin.Context) {
	respondSuccess(c, http.StatusOK, gin.H{"user": currentUser(c)})
}

// authenticate resolves the user of the request from the bearer token or
// the session cookie.
func (s *Server) authenticate(c *gin.Context) (models.User, error) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		cookie, err := c.Cookie(SessionCookie)
		if err != nil || cookie == "" {
			return models.User{}, auth.ErrInvalidToken
		}
		token = cookie
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return models.User{}, err
	}
	user, err := s.client.GetUser(c.Request.Context(), claims.UserID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return models.User{}, auth.ErrInvalidToken
	}
	return user, err
}

func setUser(c *gin.Context, user models.User) {
	c.Set(userKey, user)
	c.Request = c.Request.WithContext(backend.WithActor(c.Request.Context(), user.ID))
}

func currentUser(c *gin.Context) models.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(models.User); ok {
			return u
		}
	}
	return models.User{}
}

// requireSession rejects requests without a valid session.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.authenticate(c)
		if err != nil {
			status := statusFor(err)
			if status != http.StatusUnauthorized {
				s.respondError(c, status, err)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "redirect": "/login/"})
			return
		}
		setUser(c, user)
		c.Next()
	}
}

// identify attaches the user when a valid session is present and lets
// anonymous requests through.
func (s *Server) identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, err := s.authenticate(c); err == nil {
			setUser(c, user)
		}
		c.Next()
	}
}

// requireAdmin rejects users without the admin role.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentUser(c).IsAdmin() {
			s.respondError(c, http.StatusForbidden, fmt.Errorf("%w: admin role required", backend.ErrForbidden))
			return
		}
		c.Next()
	}
}
