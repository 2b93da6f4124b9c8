package state

import (
	"math/rand"
	"time"
)

// PlayMode selects how the queue advances when a track ends or is skipped.
type PlayMode int

const (
	LoopAll PlayMode = iota
	LoopOne
	Shuffle
)

// Song carries exactly the fields that are synced between viewers. Clients
// attach extra data to their local copies (lyrics, UI colors); decoding into
// this struct drops all of it, so room state never grows unbounded fields.
type Song struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	FileURL   string `json:"fileUrl"`
	CoverURL  string `json:"coverUrl"`
	IsNetease bool   `json:"isNetease,omitempty"`
	NeteaseID int64  `json:"neteaseId,omitempty"`
	Album     string `json:"album,omitempty"`
}

// RoomState is the authoritative state of one room. It is a value: the
// reducer never mutates its input, it clones and returns the next state,
// so exactly one version is ever in flight per room.
type RoomState struct {
	Revision      int64    `json:"revision"`
	Queue         []Song   `json:"queue"`
	OriginalQueue []Song   `json:"originalQueue"`
	PlayMode      PlayMode `json:"playMode"`
	CurrentSongID string   `json:"currentSongId,omitempty"`
	IsPlaying     bool     `json:"isPlaying"`
	CurrentTime   float64  `json:"currentTime"`
	TimeUpdatedAt int64    `json:"timeUpdatedAt"`
	ClockClientID string   `json:"clockClientId,omitempty"`
	CreatorUserID int64    `json:"creatorUserId,omitempty"`
	CreatorName   string   `json:"creatorName,omitempty"`
}

// Command names accepted by Apply. Anything else is a no-op.
const (
	CmdAddSongs    = "ADD_SONGS"
	CmdRemoveSongs = "REMOVE_SONGS"
	CmdPlayIndex   = "PLAY_INDEX"
	CmdPlay        = "PLAY"
	CmdPause       = "PAUSE"
	CmdTogglePlay  = "TOGGLE_PLAY"
	CmdSeek        = "SEEK"
	CmdProgress    = "PROGRESS"
	CmdSetPlayMode = "SET_PLAYMODE"
	CmdNext        = "NEXT"
	CmdPrev        = "PREV"
)

// Payload holds every field any command can carry. Missing fields decode to
// zero values, which match the fallback each command applies anyway (a zero
// currentTime on PLAY means "use the effective position").
type Payload struct {
	Songs           []Song   `json:"songs"`
	IDs             []string `json:"ids"`
	PlaySongID      string   `json:"playSongId"`
	AutoplayIfEmpty bool     `json:"autoplayIfEmpty"`
	Index           int      `json:"index"`
	CurrentTime     float64  `json:"currentTime"`
	Time            float64  `json:"time"`
	PlayMode        PlayMode `json:"playMode"`
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Default returns the state a room starts with when first referenced.
func Default(now int64) RoomState {
	return RoomState{
		Queue:         []Song{},
		OriginalQueue: []Song{},
		TimeUpdatedAt: now,
	}
}

// EffectiveTime computes the playback position at the given instant. While
// playing the position advances with the wall clock, so the server never has
// to write continuously; a paused room's position is simply CurrentTime.
func EffectiveTime(s RoomState, atMillis int64) float64 {
	if !s.IsPlaying {
		return max(0, s.CurrentTime)
	}
	updatedAt := s.TimeUpdatedAt
	if updatedAt == 0 {
		updatedAt = atMillis
	}
	delta := float64(max(0, atMillis-updatedAt)) / 1000.0
	return max(0, s.CurrentTime+delta)
}

func findIndex(queue []Song, songID string) int {
	if songID == "" {
		return -1
	}
	for i, s := range queue {
		if s.ID == songID {
			return i
		}
	}
	return -1
}

func (s RoomState) clone() RoomState {
	next := s
	next.Queue = append([]Song{}, s.Queue...)
	next.OriginalQueue = append([]Song{}, s.OriginalQueue...)
	return next
}

// shuffleKeepCurrent returns a permutation of queue with the current song
// pinned to the front and the rest uniformly shuffled. With no current song
// the whole queue is shuffled.
func shuffleKeepCurrent(queue []Song, currentSongID string, rng *rand.Rand) []Song {
	if len(queue) == 0 {
		return []Song{}
	}
	currentIdx := findIndex(queue, currentSongID)
	if currentIdx == -1 {
		pool := append([]Song{}, queue...)
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		return pool
	}
	rest := make([]Song, 0, len(queue)-1)
	for i, s := range queue {
		if i != currentIdx {
			rest = append(rest, s)
		}
	}
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append([]Song{queue[currentIdx]}, rest...)
}

// ensureCurrentValid is the self-healing pass run after structural changes.
// An empty queue clears all playback state; a dangling current song id snaps
// to the queue head with the position reset (playing flag and clock owner
// are left alone on that path).
func ensureCurrentValid(s *RoomState, now int64) {
	if len(s.Queue) == 0 {
		s.CurrentSongID = ""
		s.IsPlaying = false
		s.CurrentTime = 0
		s.TimeUpdatedAt = now
		s.ClockClientID = ""
		return
	}
	if findIndex(s.Queue, s.CurrentSongID) == -1 {
		s.CurrentSongID = s.Queue[0].ID
		s.CurrentTime = 0
		s.TimeUpdatedAt = now
	}
}

// Apply reduces one command into the next room state. It is total: unknown
// commands and rejected ones return the input unchanged with changed=false.
// Every applied mutation bumps Revision by exactly one. now is epoch millis
// supplied by the caller; rng feeds the shuffle permutation.
func Apply(s RoomState, command string, p Payload, clientID string, now int64, rng *rand.Rand) (RoomState, bool) {
	effective := EffectiveTime(s, now)

	switch command {
	case CmdAddSongs:
		next := s.clone()
		prevLen := len(next.Queue)
		next.Queue = append(next.Queue, p.Songs...)
		next.OriginalQueue = append(next.OriginalQueue, p.Songs...)
		if p.PlaySongID != "" {
			if idx := findIndex(next.Queue, p.PlaySongID); idx != -1 {
				next.CurrentSongID = next.Queue[idx].ID
				next.CurrentTime = 0
				next.TimeUpdatedAt = now
				next.IsPlaying = true
				next.ClockClientID = clientID
			}
		} else if next.CurrentSongID == "" && len(p.Songs) > 0 {
			next.CurrentSongID = p.Songs[0].ID
			next.CurrentTime = 0
			next.TimeUpdatedAt = now
			if p.AutoplayIfEmpty && prevLen == 0 {
				next.IsPlaying = true
				next.ClockClientID = clientID
			}
		}
		next.Revision++
		ensureCurrentValid(&next, now)
		return next, true

	case CmdRemoveSongs:
		next := s.clone()
		removed := make(map[string]bool, len(p.IDs))
		for _, id := range p.IDs {
			removed[id] = true
		}
		keep := func(songs []Song) []Song {
			out := make([]Song, 0, len(songs))
			for _, song := range songs {
				if !removed[song.ID] {
					out = append(out, song)
				}
			}
			return out
		}
		next.Queue = keep(next.Queue)
		next.OriginalQueue = keep(next.OriginalQueue)
		next.Revision++
		ensureCurrentValid(&next, now)
		return next, true

	case CmdPlayIndex:
		if p.Index < 0 || p.Index >= len(s.Queue) {
			return s, false
		}
		next := s.clone()
		next.CurrentSongID = next.Queue[p.Index].ID
		next.IsPlaying = true
		next.CurrentTime = 0
		next.TimeUpdatedAt = now
		next.ClockClientID = clientID
		next.Revision++
		return next, true

	case CmdPlay, CmdPause, CmdTogglePlay:
		next := s.clone()
		switch command {
		case CmdPlay:
			next.IsPlaying = true
		case CmdPause:
			next.IsPlaying = false
		case CmdTogglePlay:
			next.IsPlaying = !next.IsPlaying
		}
		t := p.CurrentTime
		if t == 0 {
			t = effective
		}
		next.CurrentTime = t
		next.TimeUpdatedAt = now
		next.ClockClientID = clientID
		next.Revision++
		return next, true

	case CmdSeek:
		next := s.clone()
		next.CurrentTime = p.Time
		next.TimeUpdatedAt = now
		next.ClockClientID = clientID
		next.Revision++
		return next, true

	case CmdProgress:
		// Passive heartbeat: only the clock owner (or the first claimant)
		// may advance the shared position. Anyone else is silently ignored.
		if s.ClockClientID != "" && s.ClockClientID != clientID {
			return s, false
		}
		next := s.clone()
		t := p.Time
		if t == 0 {
			t = effective
		}
		next.CurrentTime = t
		next.TimeUpdatedAt = now
		next.ClockClientID = clientID
		next.Revision++
		return next, true

	case CmdSetPlayMode:
		if p.PlayMode == s.PlayMode {
			return s, false
		}
		next := s.clone()
		if p.PlayMode == Shuffle {
			// Snapshot the canonical order once, then shuffle in place with
			// the current song pinned to the head.
			if len(next.OriginalQueue) == 0 {
				next.OriginalQueue = append([]Song{}, next.Queue...)
			}
			next.Queue = shuffleKeepCurrent(next.Queue, next.CurrentSongID, rng)
		} else if s.PlayMode == Shuffle && len(next.OriginalQueue) > 0 {
			next.Queue = append([]Song{}, next.OriginalQueue...)
			if next.CurrentSongID != "" && findIndex(next.Queue, next.CurrentSongID) == -1 {
				if len(next.Queue) > 0 {
					next.CurrentSongID = next.Queue[0].ID
				} else {
					next.CurrentSongID = ""
				}
			}
		}
		next.PlayMode = p.PlayMode
		next.Revision++
		ensureCurrentValid(&next, now)
		return next, true

	case CmdNext, CmdPrev:
		if len(s.Queue) == 0 {
			return s, false
		}
		next := s.clone()
		if next.PlayMode == LoopOne {
			// Restart the current track in place.
			next.CurrentTime = 0
			next.TimeUpdatedAt = now
			next.IsPlaying = true
			next.ClockClientID = clientID
			next.Revision++
			return next, true
		}
		currentIdx := findIndex(next.Queue, next.CurrentSongID)
		if currentIdx == -1 {
			currentIdx = 0
		}
		var targetIdx int
		if command == CmdNext {
			targetIdx = (currentIdx + 1) % len(next.Queue)
		} else {
			targetIdx = (currentIdx - 1 + len(next.Queue)) % len(next.Queue)
		}
		next.CurrentSongID = next.Queue[targetIdx].ID
		next.CurrentTime = 0
		next.TimeUpdatedAt = now
		next.IsPlaying = true
		next.ClockClientID = clientID
		next.Revision++
		return next, true
	}

	return s, false
}
