package auth

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/auralabs/aura-sync/internal/store"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

func publicUser(u *store.User) gin.H {
	out := gin.H{"id": u.ID, "username": u.Username}
	if u.Email != "" {
		out["email"] = u.Email
	}
	return out
}

// RegisterRoutes mounts the auth REST surface.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/api/auth/register", s.handleRegister)
	r.POST("/api/auth/login", s.handleLogin)
	r.POST("/api/auth/logout", s.handleLogout)
	r.GET("/api/auth/me", s.handleMe)
}

func (s *Service) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if !usernameRegex.MatchString(username) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username must be 3-50 letters, digits or underscores"})
		return
	}
	if len(req.Password) < 6 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password must be 6-128 characters"})
		return
	}
	if _, err := s.store.GetUserByUsernameOrEmail(username); err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username already taken"})
		return
	}
	if email != "" {
		if _, err := s.store.GetUserByUsernameOrEmail(email); err == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email already registered"})
			return
		}
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	user, err := s.store.CreateUser(username, email, hash)
	if err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("create user")
		c.JSON(http.StatusBadRequest, gin.H{"error": "username already taken"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(user)})
}

func (s *Service) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	identifier := strings.TrimSpace(req.UsernameOrEmail)
	user, err := s.store.GetUserByUsernameOrEmail(identifier)
	if err != nil || !CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := s.GenerateToken(user.ID, user.Username)
	if err != nil {
		s.log.Error().Err(err).Msg("sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	setTokenCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"user": publicUser(user), "token": token})
}

func (s *Service) handleLogout(c *gin.Context) {
	clearTokenCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Service) handleMe(c *gin.Context) {
	u := GetUser(c)
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	user, err := s.store.GetUserByID(u.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(user)})
}
