package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/term"
)

// wsRateLimit caps inbound messages per second per connection; wsRateBurst is
// the token bucket size, absorbing short bursts such as paste input.
const (
	wsRateLimit = 200
	wsRateBurst = 200

	// maxInputBytes bounds one terminal:input payload.
	maxInputBytes = 64 * 1024

	// Resize dimensions are clamped to these upper bounds.
	maxTermCols = 500
	maxTermRows = 500
)

type wsInbound struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	ID         string `json:"id"`
	Data       string `json:"data"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type historyFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type errorFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Code string `json:"code"`
}

// wsClient is one attached UI connection. The mutex guards both the attach
// registrations and writes to the socket: holding it while snapshotting and
// sending history guarantees no live frame for that instance can slip out
// before or during the snapshot.
type wsClient struct {
	conn *websocket.Conn
	sub  *bus.Subscriber

	mu sync.Mutex
	// attached maps instance id to the scrollback offset its history snapshot
	// ended at; live terminal:data below that offset is already on the client.
	attached map[string]int64
}

// WS serves the streaming attach protocol: one socket per client, carrying
// every bus event plus per-instance terminal streams the client attached to.
func WS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	sub := Bus.Subscribe()
	defer Bus.Unsubscribe(sub.ID)

	client := &wsClient{
		conn:     conn,
		sub:      sub,
		attached: make(map[string]int64),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go client.writeLoop(ctx, cancel)
	client.readLoop(ctx)

	conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop drains the subscriber queue onto the socket. A closed queue means
// the bus dropped this client for falling behind.
func (c *wsClient) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				c.conn.Close(websocket.StatusPolicyViolation, "event queue overflow")
				return
			}
			if err := c.deliver(ctx, ev); err != nil {
				return
			}
		}
	}
}

// deliver writes one bus event, filtering terminal traffic down to attached
// instances and dropping data frames the history snapshot already covered.
func (c *wsClient) deliver(ctx context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case bus.EventTerminalData:
		floor, ok := c.attached[ev.InstanceID]
		if !ok || ev.Offset < floor {
			return nil
		}
	case bus.EventTerminalExit:
		if _, ok := c.attached[ev.InstanceID]; !ok {
			return nil
		}
		delete(c.attached, ev.InstanceID)
	}

	return c.conn.Write(ctx, websocket.MessageText, ev.Raw)
}

func (c *wsClient) readLoop(ctx context.Context) {
	limiter := newTokenBucket(wsRateBurst, wsRateLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "attach":
			c.handleAttach(ctx, msg.InstanceID)
		case "terminal:input":
			if len(msg.Data) > maxInputBytes {
				continue
			}
			if err := Terminals.Write(msg.ID, []byte(msg.Data)); err != nil && err != term.ErrNotAlive {
				log.Printf("[ws] instance %s: input: %v", msg.ID, err)
			}
		case "terminal:resize":
			cols, rows := msg.Cols, msg.Rows
			if cols == 0 || rows == 0 {
				continue
			}
			if cols > maxTermCols {
				cols = maxTermCols
			}
			if rows > maxTermRows {
				rows = maxTermRows
			}
			Terminals.Resize(msg.ID, cols, rows)
		case "detach":
			c.mu.Lock()
			delete(c.attached, msg.ID)
			c.mu.Unlock()
		}
	}
}

// handleAttach subscribes the client to one instance's terminal stream. An
// open instance without a live backend is respawned here; this is the lazy
// respawn path after a server restart. Unknown ids get an error frame and the
// socket stays open.
func (c *wsClient) handleAttach(ctx context.Context, id string) {
	if id == "" {
		c.sendError(ctx, id, "bad_request")
		return
	}

	inst, err := database.GetInstance(id)
	if err != nil || inst.ClosedAt != nil {
		c.sendError(ctx, id, "not_found")
		return
	}

	if !Terminals.Has(id) {
		if err := spawnTerminal(ctx, inst, 0, 0); err != nil {
			log.Printf("[ws] instance %s: respawn: %v", id, err)
			c.sendError(ctx, id, "spawn_failed")
			return
		}
		log.Printf("[ws] instance %s: respawned on attach", id)
	}

	// Snapshot, register, and send history under the write mutex so no live
	// frame can interleave; frames already queued resolve against the
	// recorded offset once the mutex is released.
	c.mu.Lock()
	defer c.mu.Unlock()

	history, offset, ok := Terminals.Attach(id)
	if !ok {
		c.writeFrame(ctx, errorFrame{Type: "error", ID: id, Code: "not_found"})
		return
	}
	c.attached[id] = offset

	c.writeFrame(ctx, historyFrame{Type: "terminal:history", ID: id, Data: history})
}

func (c *wsClient) sendError(ctx context.Context, id, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeFrame(ctx, errorFrame{Type: "error", ID: id, Code: code})
}

// writeFrame marshals and writes under an already-held client mutex.
func (c *wsClient) writeFrame(ctx context.Context, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.conn.Write(ctx, websocket.MessageText, payload)
}

// tokenBucket rate-limits inbound messages per connection.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
