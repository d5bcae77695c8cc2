package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketServer streams consensus updates to connected clients. It
// implements query.Publisher and http.Handler.
type WebSocketServer struct {
	addr     string
	logger   *logging.Logger
	upgrader websocket.Upgrader

	// Client management
	mu      sync.RWMutex
	clients map[*WebSocketClient]bool

	// Consensus updates channel
	updates chan *query.Response

	// Server control
	ctx    context.Context
	cancel context.CancelFunc
}

var _ query.Publisher = (*WebSocketServer)(nil)

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	conn            *websocket.Conn
	send            chan []byte
	server          *WebSocketServer
	subscribedAll   bool
	subscribedFeeds map[string]bool
	mu              sync.RWMutex
}

// WebSocketMessage represents a client message.
type WebSocketMessage struct {
	Type  string   `json:"type"`  // "subscribe", "unsubscribe", "ping"
	Feeds []string `json:"feeds"` // Feed IDs; empty or "*" means all
}

// ConsensusUpdateMessage is sent to clients for every fresh consensus.
type ConsensusUpdateMessage struct {
	Type         string   `json:"type"`      // "consensus_update"
	Timestamp    string   `json:"timestamp"` // ISO 8601 timestamp
	Feed         string   `json:"feed"`
	Price        string   `json:"price"`
	RawPrice     string   `json:"raw_price"`
	Decimals     uint8    `json:"decimals"`
	Confidence   float64  `json:"confidence"`
	ThresholdMet bool     `json:"threshold_met"`
	Sources      []string `json:"sources"`
	RequestID    string   `json:"request_id"`
}

// NewWebSocketServer creates a new WebSocket server. An empty addr means the
// server is only mounted on the HTTP router.
func NewWebSocketServer(addr string, logger *logging.Logger) *WebSocketServer {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketServer{
		addr:   addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Allow all origins (configure CORS as needed)
				return true
			},
		},
		clients: make(map[*WebSocketClient]bool),
		updates: make(chan *query.Response, 100),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the broadcast loop and, when an address is set, a dedicated
// listener. It blocks until Stop is called or ctx is done.
func (s *WebSocketServer) Start(ctx context.Context) error {
	go s.broadcastUpdates()

	var server *http.Server
	if s.addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", s)
		server = &http.Server{
			Addr:              s.addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		s.logger.Info("Starting WebSocket server", "addr", s.addr)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("WebSocket server error", "error", err)
			}
		}()
	}

	select {
	case <-s.ctx.Done():
	case <-ctx.Done():
		s.cancel()
	}
	s.closeClients()

	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Stop stops the WebSocket server.
func (s *WebSocketServer) Stop() {
	s.cancel()
}

// Publish queues a consensus for broadcast.
func (s *WebSocketServer) Publish(resp *query.Response) {
	if resp == nil || resp.Result == nil {
		return
	}
	select {
	case s.updates <- resp:
	case <-time.After(100 * time.Millisecond):
		s.logger.Warn("Update channel full, dropping consensus update", "feed", resp.Result.FeedID)
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &WebSocketClient{
		conn:            conn,
		send:            make(chan []byte, 256),
		server:          s,
		subscribedAll:   true, // Subscribe to all by default
		subscribedFeeds: make(map[string]bool),
	}

	s.registerClient(client)

	go client.writePump()
	go client.readPump()

	s.logger.Info("New WebSocket client connected", "remote", conn.RemoteAddr())
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) registerClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
	metrics.SetWebSocketClients(len(s.clients))
}

func (s *WebSocketServer) unregisterClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
	metrics.SetWebSocketClients(len(s.clients))
}

func (s *WebSocketServer) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
	metrics.SetWebSocketClients(0)
}

func (s *WebSocketServer) broadcastUpdates() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case resp := <-s.updates:
			s.broadcast(resp)
		}
	}
}

// broadcast sends a consensus update to all subscribed clients.
func (s *WebSocketServer) broadcast(resp *query.Response) {
	result := resp.Result
	message := ConsensusUpdateMessage{
		Type:         "consensus_update",
		Timestamp:    result.Timestamp.UTC().Format(time.RFC3339),
		Feed:         result.FeedID,
		Price:        result.Value().String(),
		RawPrice:     result.Price.String(),
		Decimals:     result.Decimals,
		Confidence:   result.Confidence,
		ThresholdMet: result.Consensus.ThresholdMet,
		Sources:      result.IncludedSources(),
		RequestID:    resp.Metadata.RequestID,
	}

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal consensus update", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		if client.shouldReceive(result.FeedID) {
			select {
			case client.send <- data:
			default:
				s.logger.Warn("Client send buffer full, skipping update")
			}
		}
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes client messages.
func (c *WebSocketClient) handleMessage(data []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Warn("Invalid client message", "error", err)
		c.reply(map[string]string{"type": "error", "error": "invalid message"})
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Feeds)
		c.reply(map[string]interface{}{"type": "subscribed", "feeds": c.subscriptions()})
	case "unsubscribe":
		c.unsubscribe(msg.Feeds)
		c.reply(map[string]interface{}{"type": "unsubscribed", "feeds": c.subscriptions()})
	case "ping":
		c.reply(map[string]string{"type": "pong"})
	default:
		c.server.logger.Warn("Unknown message type", "type", msg.Type)
		c.reply(map[string]string{"type": "error", "error": "unknown message type"})
	}
}

// subscribe subscribes to specific feeds.
func (c *WebSocketClient) subscribe(feeds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(feeds) == 0 || (len(feeds) == 1 && feeds[0] == "*") {
		c.subscribedAll = true
		c.subscribedFeeds = make(map[string]bool)
	} else {
		c.subscribedAll = false
		for _, feed := range feeds {
			c.subscribedFeeds[sources.NormalizeFeedID(feed)] = true
		}
	}

	c.server.logger.Debug("Client subscribed", "feeds", feeds)
}

// unsubscribe unsubscribes from specific feeds.
func (c *WebSocketClient) unsubscribe(feeds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(feeds) == 0 || (len(feeds) == 1 && feeds[0] == "*") {
		c.subscribedAll = false
		c.subscribedFeeds = make(map[string]bool)
	} else {
		for _, feed := range feeds {
			delete(c.subscribedFeeds, sources.NormalizeFeedID(feed))
		}
	}

	c.server.logger.Debug("Client unsubscribed", "feeds", feeds)
}

// subscriptions lists the subscribed feeds, "*" when subscribed to all.
func (c *WebSocketClient) subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subscribedAll {
		return []string{"*"}
	}
	feeds := make([]string, 0, len(c.subscribedFeeds))
	for feed := range c.subscribedFeeds {
		feeds = append(feeds, feed)
	}
	sort.Strings(feeds)
	return feeds
}

func (c *WebSocketClient) shouldReceive(feedID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribedAll || c.subscribedFeeds[feedID]
}

// reply queues a control message. A closed or full send buffer drops it.
func (c *WebSocketClient) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.server.mu.RLock()
	defer c.server.mu.RUnlock()
	if !c.server.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
