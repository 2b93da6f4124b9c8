package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Conn is the write half of a viewer connection. *websocket.Conn satisfies
// it; tests plug in fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Client is one live connection in a room. Writes are serialized through a
// mutex because gorilla websocket conns do not support concurrent writers.
type Client struct {
	conn Conn
	mu   sync.Mutex
}

func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Viewer is ephemeral presence metadata for one connection. It is display
// data only and carries no authority over room state.
type Viewer struct {
	UserID      int64  `json:"userId,omitempty"`
	DisplayName string `json:"displayName"`
	IsGuest     bool   `json:"isGuest"`
	IsCreator   bool   `json:"isCreator"`
}

// ViewersMessage is broadcast to a room whenever someone joins or leaves.
type ViewersMessage struct {
	Type    string   `json:"type"`
	Creator *Viewer  `json:"creator"`
	Viewers []Viewer `json:"viewers"`
}

type roomEntry struct {
	cmdMu   sync.Mutex
	clients map[*Client]struct{}
	viewers map[*Client]Viewer
	// inflight counts commands currently holding or waiting on cmdMu. The
	// entry (lock included) is dropped once it reaches zero with no clients
	// registered, so idle rooms do not leak lock entries.
	inflight int
}

// Hub owns the per-room connection sets, viewer records and command locks.
// Room entries are created lazily on first reference and torn down when the
// last connection and the last in-flight command are gone.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
	log   zerolog.Logger
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*roomEntry),
		log:   log,
	}
}

func (h *Hub) entryLocked(roomID string) *roomEntry {
	e, ok := h.rooms[roomID]
	if !ok {
		e = &roomEntry{
			clients: make(map[*Client]struct{}),
			viewers: make(map[*Client]Viewer),
		}
		h.rooms[roomID] = e
	}
	return e
}

func (h *Hub) maybeDropLocked(roomID string, e *roomEntry) {
	if len(e.clients) == 0 && e.inflight == 0 {
		delete(h.rooms, roomID)
	}
}

// Connect registers a connection with a room.
func (h *Hub) Connect(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entryLocked(roomID).clients[c] = struct{}{}
}

// Disconnect removes a connection and its viewer record. The room entry is
// dropped once nothing references it anymore.
func (h *Hub) Disconnect(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(e.clients, c)
	delete(e.viewers, c)
	h.maybeDropLocked(roomID, e)
}

// SetViewer records presence metadata for a connection already registered in
// the room.
func (h *Hub) SetViewer(roomID string, c *Client, v Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, registered := e.clients[c]; !registered {
		return
	}
	e.viewers[c] = v
}

// ViewersSnapshot partitions the room's viewers into at most one creator and
// the rest, for display.
func (h *Hub) ViewersSnapshot(roomID string) ViewersMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := ViewersMessage{Type: "VIEWERS", Viewers: []Viewer{}}
	e, ok := h.rooms[roomID]
	if !ok {
		return msg
	}
	for _, v := range e.viewers {
		if v.IsCreator && msg.Creator == nil {
			creator := v
			msg.Creator = &creator
			continue
		}
		msg.Viewers = append(msg.Viewers, v)
	}
	return msg
}

// WithRoomLock runs fn while holding the room's command lock. Commands for
// the same room serialize in arrival order; different rooms run in parallel.
// The entry is retained for the duration so a concurrent disconnect cannot
// free the lock out from under fn.
func (h *Hub) WithRoomLock(roomID string, fn func() error) error {
	h.mu.Lock()
	e := h.entryLocked(roomID)
	e.inflight++
	h.mu.Unlock()

	e.cmdMu.Lock()
	err := fn()
	e.cmdMu.Unlock()

	h.mu.Lock()
	e.inflight--
	h.maybeDropLocked(roomID, e)
	h.mu.Unlock()
	return err
}

// Broadcast delivers msg to every connection currently registered for the
// room. A failed send marks that connection dead and disconnects it without
// blocking delivery to the rest.
func (h *Hub) Broadcast(roomID string, msg interface{}) {
	h.mu.Lock()
	e, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := make([]*Client, 0, len(e.clients))
	for c := range e.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var dead []*Client
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.log.Debug().Str("room", roomID).Msg("dropping dead connection")
		h.Disconnect(roomID, c)
		c.Close()
	}
}

// BroadcastViewers sends the current presence snapshot to the whole room.
func (h *Hub) BroadcastViewers(roomID string) {
	h.Broadcast(roomID, h.ViewersSnapshot(roomID))
}

// RoomCount reports the number of live room entries.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ClientCount reports the number of connections registered for a room.
func (h *Hub) ClientCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.rooms[roomID]; ok {
		return len(e.clients)
	}
	return 0
}
