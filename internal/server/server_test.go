package server

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralabs/aura-sync/internal/auth"
	"github.com/auralabs/aura-sync/internal/hub"
	"github.com/auralabs/aura-sync/internal/state"
	"github.com/auralabs/aura-sync/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := hub.New(zerolog.Nop())
	authSvc := auth.NewService(st, "test-secret-0123456789abcdef0123456789", zerolog.Nop())
	srv, err := New(st, h, authSvc, zerolog.Nop(), t.TempDir())
	require.NoError(t, err)
	srv.newRand = func() *rand.Rand { return rand.New(rand.NewSource(7)) }

	r := gin.New()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, srv
}

func dialRoom(t *testing.T, ts *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil consumes messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

func sendCommand(t *testing.T, conn *websocket.Conn, clientID, command string, payload map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "COMMAND",
		"clientId": clientID,
		"command":  command,
		"payload":  payload,
	}))
}

func stateOf(t *testing.T, msg map[string]interface{}) map[string]interface{} {
	t.Helper()
	st, ok := msg["state"].(map[string]interface{})
	require.True(t, ok, "message carries no state")
	return st
}

func TestJoinSendsViewersThenSnapshot(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialRoom(t, ts, "demo-room")

	viewers := readUntil(t, conn, "VIEWERS")
	assert.Len(t, viewers["viewers"], 1)

	snapshot := readUntil(t, conn, "SNAPSHOT")
	st := stateOf(t, snapshot)
	assert.Equal(t, float64(0), st["revision"])
	assert.Empty(t, st["queue"])
}

func TestInvalidRoomIDRejectedBeforeUpgrade(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/x"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandReachesAllViewers(t *testing.T) {
	ts, _ := newTestServer(t)
	alice := dialRoom(t, ts, "shared-room")
	readUntil(t, alice, "SNAPSHOT")
	bob := dialRoom(t, ts, "shared-room")
	readUntil(t, bob, "SNAPSHOT")

	sendCommand(t, alice, "alice-client", "ADD_SONGS", map[string]interface{}{
		"songs": []map[string]interface{}{
			{"id": "s1", "title": "One", "fileUrl": "/media/one.mp3"},
			{"id": "s2", "title": "Two", "fileUrl": "/media/two.mp3"},
		},
		"autoplayIfEmpty": true,
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		st := stateOf(t, readUntil(t, conn, "STATE"))
		assert.Equal(t, float64(1), st["revision"])
		assert.Equal(t, "s1", st["currentSongId"])
		assert.Equal(t, true, st["isPlaying"])
	}
}

func TestCommandsApplyInArrivalOrder(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialRoom(t, ts, "order-room")
	readUntil(t, conn, "SNAPSHOT")

	sendCommand(t, conn, "c1", "ADD_SONGS", map[string]interface{}{
		"songs": []map[string]interface{}{
			{"id": "a"}, {"id": "b"}, {"id": "c"},
		},
	})
	sendCommand(t, conn, "c1", "NEXT", nil)
	sendCommand(t, conn, "c1", "NEXT", nil)

	for i, wantCurrent := range []string{"a", "b", "c"} {
		st := stateOf(t, readUntil(t, conn, "STATE"))
		assert.Equal(t, float64(i+1), st["revision"])
		assert.Equal(t, wantCurrent, st["currentSongId"])
	}
}

func TestNoopCommandsAreNotBroadcast(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialRoom(t, ts, "quiet-room")
	readUntil(t, conn, "SNAPSHOT")

	// All of these reduce to no-ops on an empty room.
	sendCommand(t, conn, "c1", "NEXT", nil)
	sendCommand(t, conn, "c1", "WHATEVER", nil)
	sendCommand(t, conn, "c1", "SET_PLAYMODE", map[string]interface{}{"playMode": 0})

	sendCommand(t, conn, "c1", "ADD_SONGS", map[string]interface{}{
		"songs": []map[string]interface{}{{"id": "only"}},
	})

	st := stateOf(t, readUntil(t, conn, "STATE"))
	// The first broadcast after three no-ops carries revision 1.
	assert.Equal(t, float64(1), st["revision"])
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialRoom(t, ts, "messy-room")
	readUntil(t, conn, "SNAPSHOT")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "COMMAND"})) // missing clientId/command
	require.NoError(t, conn.WriteJSON([]string{"wrong", "shape"}))

	sendCommand(t, conn, "c1", "ADD_SONGS", map[string]interface{}{
		"songs": []map[string]interface{}{{"id": "s1"}},
	})

	st := stateOf(t, readUntil(t, conn, "STATE"))
	assert.Equal(t, float64(1), st["revision"])
}

func TestDisconnectBroadcastsViewers(t *testing.T) {
	ts, _ := newTestServer(t)
	alice := dialRoom(t, ts, "leave-room")
	readUntil(t, alice, "SNAPSHOT")
	bob := dialRoom(t, ts, "leave-room")
	readUntil(t, bob, "SNAPSHOT")

	// Alice sees bob join.
	viewers := readUntil(t, alice, "VIEWERS")
	assert.Len(t, viewers["viewers"], 2)

	bob.Close()

	viewers = readUntil(t, alice, "VIEWERS")
	assert.Len(t, viewers["viewers"], 1)
}

func TestRoomStatusMaterializesRoom(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rooms/fresh-room")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st state.RoomState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Zero(t, st.Revision)
	assert.Empty(t, st.Queue)
	assert.False(t, st.IsPlaying)
}

func TestRoomStatusRejectsBadID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rooms/a")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFirstAuthenticatedViewerBecomesCreator(t *testing.T) {
	ts, _ := newTestServer(t)

	register := func(username string) string {
		body, _ := json.Marshal(map[string]string{"username": username, "password": "secret1"})
		resp, err := http.Post(ts.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, _ = json.Marshal(map[string]string{"usernameOrEmail": username, "password": "secret1"})
		resp, err = http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var loginResp struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
		return loginResp.Token
	}

	fetchRoom := func(token string) state.RoomState {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/rooms/owned-room", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var st state.RoomState
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		return st
	}

	aliceToken := register("alice")
	bobToken := register("bob")

	first := fetchRoom(aliceToken)
	assert.Equal(t, "alice", first.CreatorName)
	require.NotZero(t, first.CreatorUserID)

	// The creator slot is claimed exactly once.
	second := fetchRoom(bobToken)
	assert.Equal(t, first.CreatorUserID, second.CreatorUserID)
	assert.Equal(t, "alice", second.CreatorName)
}

func TestUploadStoresFileAndMetadata(t *testing.T) {
	ts, srv := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "my track (final).mp3")
	require.NoError(t, err)
	fw.Write([]byte("fake audio bytes"))
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploadResp struct {
		MediaID  string `json:"mediaId"`
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResp))
	assert.Equal(t, "my track (final).mp3", uploadResp.Filename)
	assert.NotContains(t, uploadResp.URL, "(")

	media, err := srv.store.GetMedia(uploadResp.MediaID)
	require.NoError(t, err)
	assert.Equal(t, "my track (final).mp3", media.Filename)

	served, err := http.Get(ts.URL + uploadResp.URL)
	require.NoError(t, err)
	defer served.Body.Close()
	assert.Equal(t, http.StatusOK, served.StatusCode)
}

func TestProgressGatingAcrossConnections(t *testing.T) {
	ts, _ := newTestServer(t)
	owner := dialRoom(t, ts, "clock-room")
	readUntil(t, owner, "SNAPSHOT")
	other := dialRoom(t, ts, "clock-room")
	readUntil(t, other, "SNAPSHOT")

	sendCommand(t, owner, "owner-client", "ADD_SONGS", map[string]interface{}{
		"songs":           []map[string]interface{}{{"id": "s1"}},
		"autoplayIfEmpty": true,
	})
	st := stateOf(t, readUntil(t, other, "STATE"))
	require.Equal(t, "owner-client", st["clockClientId"])

	// A non-owner heartbeat is a silent no-op: no broadcast follows.
	sendCommand(t, other, "other-client", "PROGRESS", map[string]interface{}{"time": 500})
	// An owner heartbeat does broadcast.
	sendCommand(t, owner, "owner-client", "PROGRESS", map[string]interface{}{"time": 7})

	st = stateOf(t, readUntil(t, other, "STATE"))
	assert.Equal(t, float64(7), st["currentTime"])
	assert.Equal(t, "owner-client", st["clockClientId"])
}
