package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/orchestrator"
)

// ClientInfo is the metadata a client binds via client.identify.
type ClientInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// subscription is one live events.subscribe registration on a socket.
type subscription struct {
	id        string
	sessionID string
	busID     int
	stop      chan struct{}
}

// conn is one client socket. A single writer goroutine owns the
// WebSocket write side; everything else funnels frames through send.
type conn struct {
	server *Server
	ws     *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
	seq  atomic.Int64

	mu      sync.Mutex
	subs    map[string]*subscription
	nextSub int
	client  *ClientInfo
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		subs:   make(map[string]*subscription),
	}
}

// run drives the socket: the write pump in a goroutine, the read loop
// on the caller. Returns when the socket is gone.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
	c.close()
	c.detachAll()
	c.server.dropConn(c)
}

func (c *conn) readPump() {
	cfg := c.server.cfg
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req reqFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != frameRequest {
			c.server.log.Warn(context.Background(), "dropping malformed frame", "error", err)
			continue
		}
		// Requests run detached so a slow handler never stalls the
		// read loop or the keepalive.
		go c.handle(req)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()
	timeout := c.server.cfg.WriteTimeout

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(timeout))
			return
		}
	}
}

func (c *conn) handle(req reqFrame) {
	start := time.Now()
	ctx := observability.AddRequestID(context.Background(), req.ID)
	res := c.server.dispatch(ctx, c, req)

	status := "ok"
	if !res.OK {
		status = string(res.Error.Code)
	}
	if c.server.metrics != nil {
		c.server.metrics.RecordRPCRequest(req.Method, status, time.Since(start).Seconds())
	}
	c.writeFrame(res)
}

// writeFrame marshals and queues a frame, blocking until the writer
// takes it or the socket dies.
func (c *conn) writeFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.log.Error(context.Background(), "frame marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// sendEvent pushes one subscription delivery with the next sequence
// number.
func (c *conn) sendEvent(sessionID string, event any, gap bool, dropped int) {
	c.writeFrame(eventFrame{
		Type:      frameEvent,
		Seq:       c.seq.Add(1),
		SessionID: sessionID,
		Event:     event,
		Gap:       gap,
		Dropped:   dropped,
	})
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// addSubscription registers a live bus subscription on this socket.
func (c *conn) addSubscription(sessionID string, busID int) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	sub := &subscription{
		id:        subscriptionID(c.nextSub),
		sessionID: sessionID,
		busID:     busID,
		stop:      make(chan struct{}),
	}
	c.subs[sub.id] = sub
	return sub
}

// removeSubscription detaches one subscription. Reports whether it
// existed.
func (c *conn) removeSubscription(id string) bool {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	close(sub.stop)
	c.server.deps.Orchestrator.Unsubscribe(sub.sessionID, sub.busID)
	return true
}

// detachAll drops every subscription when the socket closes.
func (c *conn) detachAll() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		close(sub.stop)
		c.server.deps.Orchestrator.Unsubscribe(sub.sessionID, sub.busID)
	}
}

// forward pumps bus notifications to the socket until the subscription
// stops or the bus closes. afterID suppresses events already delivered
// by the catchup pass; ids are time-ordered so the comparison holds
// along a session lineage.
func (c *conn) forward(sub *subscription, ch <-chan orchestrator.Notification, afterID string) {
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Event != nil && afterID != "" && n.Event.ID <= afterID && !n.Gap {
				continue
			}
			c.sendEvent(sub.sessionID, n.Event, n.Gap, n.Dropped)
		case <-sub.stop:
			return
		case <-c.done:
			return
		}
	}
}

func subscriptionID(n int) string {
	return "sub-" + strconv.Itoa(n)
}

func (c *conn) clientInfo() *ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	info := *c.client
	return &info
}

func (c *conn) setClientInfo(info ClientInfo) {
	c.mu.Lock()
	c.client = &info
	c.mu.Unlock()
}
