package auth

import (
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/auralabs/aura-sync/internal/store"
)

const userContextKey = "aurasync/user"

const tokenTTL = 24 * time.Hour

type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserInfo identifies an authenticated viewer. Connections without one are
// guests.
type UserInfo struct {
	UserID   int64
	Username string
}

// Service issues and validates session tokens backed by the user store.
type Service struct {
	store  *store.Store
	secret []byte
	log    zerolog.Logger
}

func NewService(st *store.Store, secret string, log zerolog.Logger) *Service {
	key := []byte(secret)
	if len(key) == 0 {
		// No configured secret: sessions won't survive a restart. Fine for
		// dev, worth a warning anywhere else.
		key = make([]byte, 32)
		rand.Read(key)
		log.Warn().Msg("JWT_SECRET not set, generated an ephemeral secret")
	}
	return &Service{store: st, secret: key, log: log}
}

func (s *Service) GenerateToken(userID int64, username string) (string, error) {
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	return string(hash), err
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// UserFromRequest resolves a request to an account, or nil for guests. Used
// directly on the websocket upgrade request.
func (s *Service) UserFromRequest(r *http.Request) *UserInfo {
	tokenStr := tokenFromRequest(r)
	if tokenStr == "" {
		return nil
	}
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return nil
	}
	if _, err := s.store.GetUserByID(claims.UserID); err != nil {
		// Token for a deleted account.
		return nil
	}
	return &UserInfo{UserID: claims.UserID, Username: claims.Username}
}

// Middleware attaches the authenticated user, when present, to the gin
// context. It never rejects: identity is optional everywhere except /me.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := s.UserFromRequest(c.Request); u != nil {
			c.Set(userContextKey, u)
		}
		c.Next()
	}
}

// GetUser returns the authenticated user from the gin context, or nil.
func GetUser(c *gin.Context) *UserInfo {
	if v, ok := c.Get(userContextKey); ok {
		if u, ok := v.(*UserInfo); ok {
			return u
		}
	}
	return nil
}

func setTokenCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenTTL / time.Second),
	})
}

func clearTokenCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
