package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralabs/aura-sync/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadRoomAbsent(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadRoom("nothere")

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoadRoomRoundTrip(t *testing.T) {
	s := openTestStore(t)
	st := state.Default(1000)
	st.Queue = []state.Song{{ID: "s1", Title: "One", FileURL: "/media/s1.mp3"}}
	st.OriginalQueue = st.Queue
	st.CurrentSongID = "s1"
	st.IsPlaying = true
	st.CurrentTime = 12.5
	st.Revision = 3

	require.NoError(t, s.SaveRoom("myroom", 3, st))

	loaded, ok, err := s.LoadRoom("myroom")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), loaded.Revision)
	assert.Equal(t, "s1", loaded.CurrentSongID)
	assert.True(t, loaded.IsPlaying)
	assert.Equal(t, 12.5, loaded.CurrentTime)
	require.Len(t, loaded.Queue, 1)
	assert.Equal(t, "One", loaded.Queue[0].Title)
}

func TestSaveRoomOverwrites(t *testing.T) {
	s := openTestStore(t)
	st := state.Default(1000)

	require.NoError(t, s.SaveRoom("r", 0, st))
	st.Revision = 1
	st.IsPlaying = true
	require.NoError(t, s.SaveRoom("r", 1, st))

	loaded, ok, err := s.LoadRoom("r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), loaded.Revision)
	assert.True(t, loaded.IsPlaying)
}

func TestLoadRoomNormalizesNilQueues(t *testing.T) {
	s := openTestStore(t)
	_, err := s.conn.Exec(
		"INSERT INTO rooms(room_id, revision, state_json) VALUES('legacy', 0, '{\"revision\":0}')")
	require.NoError(t, err)

	loaded, ok, err := s.LoadRoom("legacy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, loaded.Queue)
	assert.NotNil(t, loaded.OriginalQueue)
}

func TestCreateAndLookupUser(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateUser("alice", "alice@example.com", "hash123")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	byName, err := s.GetUserByUsernameOrEmail("alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byEmail, err := s.GetUserByUsernameOrEmail("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	byID, err := s.GetUserByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
	assert.Equal(t, "hash123", byID.PasswordHash)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateUser("bob", "", "h")
	require.NoError(t, err)

	_, err = s.CreateUser("bob", "", "h2")

	assert.Error(t, err)
}

func TestUserNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetUserByUsernameOrEmail("ghost")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMediaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := Media{MediaID: "abc123", Filename: "track.mp3", ContentType: "audio/mpeg", Path: "/data/media/abc123_track.mp3"}

	require.NoError(t, s.PutMedia(m))

	got, err := s.GetMedia("abc123")
	require.NoError(t, err)
	assert.Equal(t, &m, got)

	_, err = s.GetMedia("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
