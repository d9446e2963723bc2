package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	goState "github.com/MrEthical07/goState"
	"github.com/MrEthical07/goState/middleware"
	"github.com/MrEthical07/goState/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Config tunes socket behavior.
type Config struct {
	// RequireAuth rejects upgrades that carry no session token.
	RequireAuth bool

	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueue      int

	// CheckOrigin is passed to the upgrader; nil accepts same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		SendQueue:      32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ReadTimeout <= c.PingInterval {
		c.ReadTimeout = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	return c
}

// Gateway upgrades HTTP requests to websockets and mirrors each socket's
// lifecycle into the engine's connection registry.
//
// On connect it admits the caller through the realtime-connect window,
// resolves an optional session token, registers the connection and joins
// the room named by the "room" query parameter. On disconnect it removes
// the connection, which leaves every room, and drops the socket's cache
// entries.
type Gateway struct {
	engine   *goState.Engine
	cfg      Config
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu      sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup
}

// New returns a Gateway serving engine.
func New(engine *goState.Engine, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		engine: engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log:     engine.Logger().WithField("component", "gateway"),
		clients: make(map[string]*client),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := middleware.ClientIP(r)

	res, err := g.engine.CheckRateLimit(ctx, ip, g.engine.Windows().RealtimeConnect)
	if err != nil {
		g.log.WithField("ip", ip).WithError(err).Warn("goState: connect admission unavailable")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !res.Allowed {
		middleware.WriteDenial(w, res, g.engine.Now())
		return
	}

	var principalID string
	if token := requestToken(r); token != "" {
		sess, err := g.engine.ValidateToken(ctx, token)
		if err != nil {
			if errors.Is(err, goState.ErrStoreUnavailable) {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principalID = sess.PrincipalID
	} else if g.cfg.RequireAuth {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Debug("goState: websocket upgrade failed")
		return
	}

	// The request context ends with this handler; keep its values only.
	ctx = context.WithoutCancel(ctx)
	id := uuid.NewString()
	roomHint := r.URL.Query().Get("room")

	if _, err := g.engine.RegisterConnection(ctx, id, principalID, &presence.Metadata{
		IP:        ip,
		UserAgent: r.UserAgent(),
		RoomHint:  roomHint,
	}); err != nil {
		g.log.WithField("connection_id", id).WithError(err).Warn("goState: connection not registered")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(g.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}

	c := newClient(id, principalID, ws, g.cfg.SendQueue)
	g.mu.Lock()
	g.clients[id] = c
	g.mu.Unlock()
	g.wg.Add(1)
	defer g.wg.Done()

	log := g.log.WithFields(logrus.Fields{"connection_id": id, "principal_id": principalID})
	log.Debug("goState: websocket connected")

	welcome := Frame{Type: FrameWelcome, ConnectionID: id, PrincipalID: principalID}
	if roomHint != "" {
		if _, err := g.engine.JoinRoom(ctx, id, roomHint); err != nil {
			log.WithField("room", roomHint).WithError(err).Warn("goState: initial room join failed")
		} else {
			welcome.Rooms = []string{roomHint}
		}
	}
	c.enqueue(welcome)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(g.cfg, func(err error) {
			log.WithError(err).Debug("goState: websocket write failed")
		})
	}()

	g.readPump(ctx, c, log)

	c.close()
	<-writerDone
	g.disconnect(ctx, c, log)
}

func (g *Gateway) readPump(ctx context.Context, c *client, log logrus.FieldLogger) {
	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		if _, err := g.engine.TouchConnection(ctx, c.id); err != nil {
			log.WithError(err).Debug("goState: touch on pong failed")
		}
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("goState: websocket closed by peer")
			case errors.As(err, &ne) && ne.Timeout():
				log.Debug("goState: websocket read timeout")
			default:
				log.WithError(err).Debug("goState: websocket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		if mt != websocket.TextMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(errorFrame("malformed frame"))
			continue
		}
		c.enqueue(g.handleFrame(ctx, c, f, log))
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *client, f Frame, log logrus.FieldLogger) Frame {
	switch f.Type {
	case FrameJoin:
		if f.Room == "" {
			return errorFrame("room required")
		}
		if _, err := g.engine.JoinRoom(ctx, c.id, f.Room); err != nil {
			log.WithField("room", f.Room).WithError(err).Warn("goState: room join failed")
			return errorFrame("join failed")
		}
		return Frame{Type: FrameJoined, Room: f.Room}
	case FrameLeave:
		if f.Room == "" {
			return errorFrame("room required")
		}
		if err := g.engine.LeaveRoom(ctx, c.id, f.Room); err != nil {
			log.WithField("room", f.Room).WithError(err).Warn("goState: room leave failed")
			return errorFrame("leave failed")
		}
		return Frame{Type: FrameLeft, Room: f.Room}
	case FramePing:
		if _, err := g.engine.TouchConnection(ctx, c.id); err != nil {
			log.WithError(err).Debug("goState: touch failed")
		}
		return Frame{Type: FramePong}
	default:
		return errorFrame("unknown frame type")
	}
}

func (g *Gateway) disconnect(ctx context.Context, c *client, log logrus.FieldLogger) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()

	if _, err := g.engine.RemoveConnection(ctx, c.id); err != nil {
		log.WithError(err).Warn("goState: connection not removed")
	}
	if _, err := g.engine.InvalidateSocketCache(ctx, c.id); err != nil {
		log.WithError(err).Warn("goState: socket cache not invalidated")
	}
	log.Debug("goState: websocket disconnected")
}

// Broadcast pushes a message frame to every member of room held by this
// gateway and returns how many sockets accepted it. Members connected to
// other processes are skipped.
func (g *Gateway) Broadcast(ctx context.Context, room string, data json.RawMessage) (int, error) {
	r, err := g.engine.GetRoom(ctx, room)
	if err != nil {
		return 0, err
	}
	if r == nil {
		return 0, nil
	}

	frame := Frame{Type: FrameMessage, Room: room, Data: data}
	sent := 0
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range r.Connections {
		if c, ok := g.clients[id]; ok && c.enqueue(frame) {
			sent++
		}
	}
	return sent, nil
}

// Connections returns the number of sockets held by this gateway.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Shutdown closes every socket and waits until their registry records are
// removed or ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	for _, c := range g.clients {
		c.close()
	}
	g.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const bearer = "Bearer "
	if value := r.Header.Get("Authorization"); strings.HasPrefix(value, bearer) {
		return value[len(bearer):]
	}
	return ""
}
