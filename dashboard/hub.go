// Package dashboard streams fused results to websocket viewers and exposes
// the status endpoints the browser UI polls.
package dashboard

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"neurovision/fusion"
)

var debugMsgFunc func(component, message string)

// SetDebugFunction allows the main package to provide the debug sink.
func SetDebugFunction(fn func(component, message string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

// Role controls which alerts a viewer receives. Surgeons only see CRITICAL
// findings to keep the field display quiet; support staff see everything.
type Role string

const (
	RoleSurgeon Role = "surgeon"
	RoleNurse   Role = "nurse"
	RoleTrainee Role = "trainee"
)

// ParseRole maps a query value onto a known role, defaulting to trainee.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleSurgeon, RoleNurse, RoleTrainee:
		return Role(s)
	default:
		return RoleTrainee
	}
}

// Update is one frame's payload pushed to viewers.
type Update struct {
	FrameID        int64          `json:"frame_id"`
	Timestamp      time.Time      `json:"timestamp"`
	SafetyScore    int            `json:"safety_score"`
	Alerts         []fusion.Alert `json:"alerts"`
	VoiceMessage   string         `json:"voice_message,omitempty"`
	Guidance       string         `json:"guidance,omitempty"`
	RemoteDegraded bool           `json:"remote_degraded"`
	RemoteStale    bool           `json:"remote_stale"`
	OverlayJPEG    string         `json:"overlay_jpeg,omitempty"`
}

type client struct {
	conn  *websocket.Conn
	role  Role
	muted bool
}

// Hub fans fused results out to connected viewers.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Update
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
}

// NewHub creates a Hub; call Run in its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Update, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run processes registration and broadcast events until the hub is abandoned.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mutex.Unlock()
			debugMsg("DASHBOARD", fmt.Sprintf("Viewer connected (%s), total %d", c.role, total))

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mutex.Unlock()
			debugMsg("DASHBOARD", fmt.Sprintf("Viewer disconnected, total %d", total))

		case u := <-h.broadcast:
			h.send(u)
		}
	}
}

func (h *Hub) send(u Update) {
	// Payload bytes are shared by every client with the same role and mute
	// state.
	cache := make(map[string][]byte)

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for c := range h.clients {
		key := string(c.role)
		if c.muted {
			key += "/muted"
		}
		payload, ok := cache[key]
		if !ok {
			filtered := filterForRole(u, c.role, c.muted)
			b, err := json.Marshal(filtered)
			if err != nil {
				continue
			}
			payload = b
			cache[key] = b
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.clients, c)
			c.conn.Close()
		}
	}
}

// filterForRole trims the update down to what the viewer should see.
func filterForRole(u Update, role Role, muted bool) Update {
	if role == RoleSurgeon {
		var critical []fusion.Alert
		for _, a := range u.Alerts {
			if a.Severity == fusion.SeverityCritical {
				critical = append(critical, a)
			}
		}
		u.Alerts = critical
	}
	if muted {
		u.VoiceMessage = ""
	}
	return u
}

// Publish queues a fused result for broadcast. overlayJPEG may be nil when
// frame rendering is disabled. Drops the update when the hub is saturated.
func (h *Hub) Publish(res fusion.Result, overlayJPEG []byte) {
	u := Update{
		FrameID:        res.FrameID,
		Timestamp:      res.Timestamp,
		SafetyScore:    res.SafetyScore,
		Alerts:         res.Alerts,
		VoiceMessage:   res.VoiceMessage,
		Guidance:       res.Guidance,
		RemoteDegraded: res.RemoteDegraded,
		RemoteStale:    res.RemoteStale,
	}
	if len(overlayJPEG) > 0 {
		u.OverlayJPEG = base64.StdEncoding.EncodeToString(overlayJPEG)
	}

	select {
	case h.broadcast <- u:
	default:
	}
}

// ClientCount reports the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
