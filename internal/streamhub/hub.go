// Package streamhub fans live-growing log files out to subscribed
// connections. Per id it keeps at most one file watcher, reference-counted
// by subscriber count, and an explicit byte-offset cursor so subscribers
// see the full-file snapshot first and every delta exactly once, in
// order, regardless of how the OS coalesces file-change events.
package streamhub

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/vibehq/agent-orchestrator/internal/domain"
)

// GenerationPrefix marks ids owned by the background job runner rather
// than the instance store.
const GenerationPrefix = "gen-"

// Conn is one subscriber connection. The transport layer adapts its
// websocket (or test double) to this.
type Conn interface {
	Send(msg Message) error
}

// SourceInfo resolves an id to its files and current status. StepsPath
// is empty for sources without a structured steps file.
type SourceInfo struct {
	LogPath   string
	StepsPath string
	Status    string
}

// Source resolves stream ids for one id namespace.
type Source interface {
	Resolve(id string) (SourceInfo, error)
}

// Hub is the publish/subscribe layer over log and steps files.
type Hub struct {
	instances   Source
	generations Source

	mu       sync.Mutex
	subs     map[string]map[Conn]struct{}
	conns    map[Conn]string
	watchers map[string]*watcher
}

// New creates a Hub resolving instance ids against instances and
// gen-prefixed ids against generations. Either source may be nil and
// wired later with SetGenerations, since the generation runner and the
// hub reference each other.
func New(instances, generations Source) *Hub {
	return &Hub{
		instances:   instances,
		generations: generations,
		subs:        make(map[string]map[Conn]struct{}),
		conns:       make(map[Conn]string),
		watchers:    make(map[string]*watcher),
	}
}

// SetGenerations wires the generation source after construction.
func (h *Hub) SetGenerations(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generations = src
}

// Subscribe attaches conn to id, replacing any prior subscription of the
// same connection. The connection receives the current file contents as
// an initial snapshot, then the current status, then deltas as the file
// grows.
func (h *Hub) Subscribe(conn Conn, id string) error {
	h.Unsubscribe(conn)

	h.mu.Lock()
	src := h.instances
	if strings.HasPrefix(id, GenerationPrefix) {
		src = h.generations
	}
	h.mu.Unlock()
	if src == nil {
		conn.Send(NewError("instance or log not found"))
		return domain.ErrNotFound
	}

	info, err := src.Resolve(id)
	if err != nil || info.LogPath == "" {
		conn.Send(NewError("instance or log not found"))
		if err == nil {
			err = domain.ErrNotFound
		}
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Flush any pending growth to current subscribers first, so the
	// snapshot below is never ahead of the shared cursor.
	if w := h.watchers[id]; w != nil {
		h.pollLogLocked(w)
	}

	content, err := os.ReadFile(info.LogPath)
	if err != nil {
		content = nil
	}
	conn.Send(NewLog(id, string(content), true))
	if info.Status != "" {
		conn.Send(NewStatus(id, info.Status))
	}

	if h.subs[id] == nil {
		h.subs[id] = make(map[Conn]struct{})
	}
	h.subs[id][conn] = struct{}{}
	h.conns[conn] = id

	if h.watchers[id] == nil {
		w, err := newWatcher(h, id, info.LogPath, info.StepsPath, int64(len(content)))
		if err != nil {
			log.Printf("[streamhub] watcher for %s: %v", id, err)
		} else {
			h.watchers[id] = w
		}
	}

	return nil
}

// Unsubscribe detaches conn from whatever id it is subscribed to. The
// watcher is discarded when the last subscriber leaves.
func (h *Hub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns[conn]
	if !ok {
		return
	}
	delete(h.conns, conn)

	if set := h.subs[id]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.subs, id)
			if w := h.watchers[id]; w != nil {
				w.Close()
				delete(h.watchers, id)
			}
		}
	}
}

// BroadcastStatus pushes a status change to all subscribers of id.
func (h *Hub) BroadcastStatus(id string, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendAllLocked(id, NewStatus(id, status))
}

// BroadcastLog pushes a log chunk to all subscribers of id without
// waiting for file-watch latency. The caller appends the chunk to the
// log file before calling. When a watcher exists the chunk is delivered
// through its cursor, so a file-watch read that already picked up the
// same append is not repeated and the cursor can never run past the
// file.
func (h *Hub) BroadcastLog(id string, chunk string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w := h.watchers[id]; w != nil {
		h.pollLogLocked(w)
		return
	}
	h.sendAllLocked(id, NewLog(id, chunk, false))
}

func (h *Hub) sendAllLocked(id string, msg Message) {
	for conn := range h.subs[id] {
		if err := conn.Send(msg); err != nil {
			log.Printf("[streamhub] send to subscriber of %s failed: %v", id, err)
		}
	}
}

// pollLogLocked reads and broadcasts whatever the file has grown by
// since the cursor. Called with h.mu held.
func (h *Hub) pollLogLocked(w *watcher) {
	st, err := os.Stat(w.logPath)
	if err != nil {
		return
	}
	size := st.Size()
	if size < w.offset {
		// Truncated (e.g. log re-created): restart from the top.
		w.offset = 0
	}
	if size == w.offset {
		return
	}

	f, err := os.Open(w.logPath)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, size-w.offset)
	if _, err := f.ReadAt(buf, w.offset); err != nil {
		return
	}
	w.offset = size

	h.sendAllLocked(w.id, NewLog(w.id, string(buf), false))
}

// pollStepsLocked re-reads and rebroadcasts the full step list. Called
// with h.mu held.
func (h *Hub) pollStepsLocked(w *watcher) {
	data, err := os.ReadFile(w.stepsPath)
	if err != nil {
		return
	}
	var steps []domain.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		// Agents write the file incrementally; skip half-written JSON.
		return
	}
	h.sendAllLocked(w.id, NewSteps(w.id, steps))
}
