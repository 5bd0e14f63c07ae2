package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

type client struct {
	conn     *websocket.Conn
	ownerID  uuid.UUID
	deviceID string
}

// Hub is a websocket fan-out server implementing Notifier. Devices connect
// to /ws with owner and device query parameters; events for an owner are
// written to all of that owner's connections (or one device for directed
// events).
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

// NewHub constructs a hub listening on addr.
func NewHub(addr string, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		addr:    addr,
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

// Start begins accepting websocket connections.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.log.Info("notify hub listening", zap.String("addr", ln.Addr().String()))
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("notify hub serve", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes all connections and shuts the server down.
func (h *Hub) Stop() error {
	h.cancel()

	h.clientsMu.Lock()
	for c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, c)
	}
	h.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	h.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Notify implements Notifier: the event is written to every connection of
// its owner, or only the named device when the event is directed. A slow or
// broken connection is dropped, never retried.
func (h *Hub) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.ownerID != ev.OwnerID {
			continue
		}
		if ev.DeviceID != "" && c.deviceID != ev.DeviceID {
			continue
		}
		targets = append(targets, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.remove(c)
		}
	}
	return nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.FromString(r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, "bad owner id", http.StatusBadRequest)
		return
	}
	deviceID := r.URL.Query().Get("device")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept", zap.Error(err))
		return
	}

	c := &client{conn: conn, ownerID: ownerID, deviceID: deviceID}
	h.clientsMu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.log.Info("device connected",
		zap.String("owner", ownerID.String()),
		zap.String("device", deviceID),
		zap.Int("total", total),
	)

	go h.readLoop(c)
}

// readLoop drains client frames to detect disconnects; inbound payloads are
// ignored.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.clientsMu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	h.log.Info("device disconnected",
		zap.String("owner", c.ownerID.String()),
		zap.String("device", c.deviceID),
		zap.Int("total", total),
	)
}
