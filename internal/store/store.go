package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/auralabs/aura-sync/internal/state"
)

var ErrNotFound = errors.New("store: not found")

// User is a registered account. Guests never get a row here.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
}

// Media is one uploaded file's metadata.
type Media struct {
	MediaID     string `json:"mediaId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Path        string `json:"path"`
}

// Store is the sqlite-backed persistence gateway. Room snapshots are stored
// whole as JSON; a save is a single upsert, so a failed write leaves the
// previous snapshot intact.
type Store struct {
	conn *sql.DB
}

func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			state_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			email TEXT,
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media (
			media_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			path TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// LoadRoom returns the latest persisted snapshot for a room, or ok=false if
// none exists yet.
func (s *Store) LoadRoom(roomID string) (state.RoomState, bool, error) {
	var revision int64
	var stateJSON string
	err := s.conn.QueryRow(
		"SELECT revision, state_json FROM rooms WHERE room_id=?", roomID,
	).Scan(&revision, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return state.RoomState{}, false, nil
	}
	if err != nil {
		return state.RoomState{}, false, fmt.Errorf("load room %s: %w", roomID, err)
	}
	var st state.RoomState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return state.RoomState{}, false, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	// The revision column is authoritative for ordering.
	st.Revision = revision
	if st.Queue == nil {
		st.Queue = []state.Song{}
	}
	if st.OriginalQueue == nil {
		st.OriginalQueue = []state.Song{}
	}
	return st, true, nil
}

// SaveRoom upserts a room snapshot at the given revision.
func (s *Store) SaveRoom(roomID string, revision int64, st state.RoomState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", roomID, err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO rooms(room_id, revision, state_json) VALUES(?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET
		   revision=excluded.revision,
		   state_json=excluded.state_json`,
		roomID, revision, string(raw),
	)
	if err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	return nil
}

// CreateUser inserts a new account with an already-hashed password.
func (s *Store) CreateUser(username, email, passwordHash string) (*User, error) {
	createdAt := time.Now().UnixMilli()
	var emailVal sql.NullString
	if email != "" {
		emailVal = sql.NullString{String: email, Valid: true}
	}
	res, err := s.conn.Exec(
		"INSERT INTO users(username, email, password_hash, created_at) VALUES(?,?,?,?)",
		username, emailVal, passwordHash, createdAt,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &User{ID: id, Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: createdAt}, nil
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var email sql.NullString
	err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	return u, nil
}

func (s *Store) GetUserByID(id int64) (*User, error) {
	return s.scanUser(s.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at FROM users WHERE id=?", id))
}

// GetUserByUsernameOrEmail resolves a login identifier to an account.
func (s *Store) GetUserByUsernameOrEmail(identifier string) (*User, error) {
	return s.scanUser(s.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at FROM users WHERE username=? OR email=?",
		identifier, identifier))
}

// PutMedia upserts an uploaded file's metadata.
func (s *Store) PutMedia(m Media) error {
	_, err := s.conn.Exec(
		`INSERT INTO media(media_id, filename, content_type, path) VALUES(?,?,?,?)
		 ON CONFLICT(media_id) DO UPDATE SET
		   filename=excluded.filename,
		   content_type=excluded.content_type,
		   path=excluded.path`,
		m.MediaID, m.Filename, m.ContentType, m.Path,
	)
	return err
}

func (s *Store) GetMedia(mediaID string) (*Media, error) {
	m := &Media{}
	err := s.conn.QueryRow(
		"SELECT media_id, filename, content_type, path FROM media WHERE media_id=?", mediaID,
	).Scan(&m.MediaID, &m.Filename, &m.ContentType, &m.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
