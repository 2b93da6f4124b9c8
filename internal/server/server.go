package server

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/auralabs/aura-sync/internal/auth"
	"github.com/auralabs/aura-sync/internal/hub"
	"github.com/auralabs/aura-sync/internal/state"
	"github.com/auralabs/aura-sync/internal/store"
)

var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

const (
	maxFrameSize  = 64 << 10 // 64KB, enough for any legitimate command
	maxUploadSize = 50 << 20

	// Inbound command budget per connection; excess messages are dropped,
	// the connection stays up.
	msgRate  = 10
	msgBurst = 20
)

// Server wires the REST surface and the realtime room channel together.
type Server struct {
	store    *store.Store
	hub      *hub.Hub
	auth     *auth.Service
	log      zerolog.Logger
	mediaDir string
	upgrader websocket.Upgrader

	// newRand builds the shuffle source for one session; swapped in tests
	// for a seeded one.
	newRand func() *rand.Rand
}

func New(st *store.Store, h *hub.Hub, authSvc *auth.Service, log zerolog.Logger, dataDir string) (*Server, error) {
	mediaDir := filepath.Join(dataDir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, err
	}
	s := &Server{
		store:    st,
		hub:      h,
		auth:     authSvc,
		log:      log,
		mediaDir: mediaDir,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return s, nil
}

// checkOrigin allows localhost always and otherwise defers to the
// ALLOWED_ORIGINS env list; with nothing configured all origins pass.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	allowedStr := os.Getenv("ALLOWED_ORIGINS")
	if allowedStr == "" {
		return true
	}
	for _, allowed := range strings.Split(allowedStr, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		au, err := url.Parse(allowed)
		if err != nil {
			if origin == allowed {
				return true
			}
			continue
		}
		if host == au.Hostname() {
			return true
		}
	}
	return false
}

// RegisterRoutes mounts everything on the router.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.Use(s.auth.Middleware())
	s.auth.RegisterRoutes(r)
	r.GET("/api/rooms/:roomID", s.handleRoomStatus)
	r.POST("/api/upload", s.handleUpload)
	r.Static("/media", s.mediaDir)
	r.GET("/ws/rooms/:roomID", s.handleRoomSocket)
}

// loadOrCreate materializes a room on first reference and persists the
// default immediately. Must be called with the room lock held.
func (s *Server) loadOrCreate(roomID string) (state.RoomState, error) {
	st, ok, err := s.store.LoadRoom(roomID)
	if err != nil {
		return state.RoomState{}, err
	}
	if ok {
		return st, nil
	}
	st = state.Default(state.NowMillis())
	if err := s.store.SaveRoom(roomID, st.Revision, st); err != nil {
		return state.RoomState{}, err
	}
	return st, nil
}

// claimCreator stamps the first authenticated viewer as the room's creator.
// Must be called with the room lock held.
func (s *Server) claimCreator(roomID string, st *state.RoomState, user *auth.UserInfo) error {
	if user == nil || st.CreatorUserID != 0 {
		return nil
	}
	st.CreatorUserID = user.UserID
	st.CreatorName = user.Username
	return s.store.SaveRoom(roomID, st.Revision, *st)
}

func (s *Server) handleRoomStatus(c *gin.Context) {
	roomID := c.Param("roomID")
	if !roomIDRegex.MatchString(roomID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	user := auth.GetUser(c)
	var st state.RoomState
	err := s.hub.WithRoomLock(roomID, func() error {
		var err error
		if st, err = s.loadOrCreate(roomID); err != nil {
			return err
		}
		return s.claimCreator(roomID, &st, user)
	})
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("room status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, st)
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mediaID := strings.ReplaceAll(uuid.NewString(), "-", "")
	safeName := unsafeFilenameChars.ReplaceAllString(filepath.Base(file.Filename), "_")
	diskName := mediaID + "_" + safeName
	diskPath := filepath.Join(s.mediaDir, diskName)
	if err := c.SaveUploadedFile(file, diskPath); err != nil {
		s.log.Error().Err(err).Msg("save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	if err := s.store.PutMedia(store.Media{
		MediaID:     mediaID,
		Filename:    file.Filename,
		ContentType: contentType,
		Path:        diskPath,
	}); err != nil {
		s.log.Error().Err(err).Msg("record upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mediaId":     mediaID,
		"url":         "/media/" + diskName,
		"contentType": contentType,
		"filename":    file.Filename,
	})
}

// Wire messages for the room channel.

type inboundMessage struct {
	Type     string        `json:"type"`
	ClientID string        `json:"clientId"`
	Command  string        `json:"command"`
	Payload  state.Payload `json:"payload"`
}

type stateMessage struct {
	Type  string          `json:"type"`
	State state.RoomState `json:"state"`
}

func guestName(raw string) string {
	name := strings.TrimSpace(raw)
	if name != "" {
		if runes := []rune(name); len(runes) > 64 {
			name = string(runes[:64])
		}
		return name
	}
	return "Guest " + strings.ToUpper(uuid.NewString()[:4])
}

func (s *Server) handleRoomSocket(c *gin.Context) {
	roomID := c.Param("roomID")
	if !roomIDRegex.MatchString(roomID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	user := s.auth.UserFromRequest(c.Request)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("room", roomID).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	client := hub.NewClient(conn)
	s.hub.Connect(roomID, client)
	defer func() {
		s.hub.Disconnect(roomID, client)
		client.Close()
		s.hub.BroadcastViewers(roomID)
	}()

	// Materialize the room and claim the creator slot under the same lock
	// the command path uses.
	var st state.RoomState
	err = s.hub.WithRoomLock(roomID, func() error {
		var err error
		if st, err = s.loadOrCreate(roomID); err != nil {
			return err
		}
		return s.claimCreator(roomID, &st, user)
	})
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("join failed")
		return
	}

	viewer := hub.Viewer{DisplayName: guestName(c.Query("displayName")), IsGuest: true}
	if user != nil {
		viewer = hub.Viewer{
			UserID:      user.UserID,
			DisplayName: user.Username,
			IsCreator:   st.CreatorUserID == user.UserID,
		}
	}
	s.hub.SetViewer(roomID, client, viewer)
	s.hub.BroadcastViewers(roomID)

	if err := client.Send(stateMessage{Type: "SNAPSHOT", State: st}); err != nil {
		return
	}

	rng := s.newRand()
	limiter := rate.NewLimiter(msgRate, msgBurst)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames are dropped; the connection stays open.
			continue
		}
		if msg.Type != "COMMAND" || msg.ClientID == "" || msg.Command == "" {
			continue
		}
		if !limiter.Allow() {
			continue
		}

		var next state.RoomState
		var changed bool
		err = s.hub.WithRoomLock(roomID, func() error {
			current, err := s.loadOrCreate(roomID)
			if err != nil {
				return err
			}
			next, changed = state.Apply(current, msg.Command, msg.Payload, msg.ClientID, state.NowMillis(), rng)
			if !changed {
				return nil
			}
			return s.store.SaveRoom(roomID, next.Revision, next)
		})
		if err != nil {
			// A persistence failure is fatal to this connection; the last
			// good snapshot stays intact for everyone else.
			s.log.Error().Err(err).Str("room", roomID).Str("command", msg.Command).Msg("command failed")
			return
		}
		if changed {
			s.hub.Broadcast(roomID, stateMessage{Type: "STATE", State: next})
		}
	}
}
