package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"triage/internal/bus"
	"triage/internal/logging"
)

const (
	// writeWait is the timeout for writing a frame to a client.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before it is dropped.
	pongWait = 60 * time.Second

	// pingPeriod is how often ping frames go out; must be under pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize    = 512
	clientSendBuffer  = 256
	defaultReplaySize = 100
)

// eventStream forwards audit-bus events to connected websocket clients.
// New clients can request a replay of recent history before the live feed.
type eventStream struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	stopped bool

	subID bus.SubscriptionID
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newEventStream(b *bus.Bus) *eventStream {
	return &eventStream{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logging.ForComponent("events"),
		clients: make(map[*wsClient]struct{}),
	}
}

// start subscribes to the bus wildcard channel. Safe to call once.
func (s *eventStream) start() {
	s.subID = s.bus.Subscribe("", s.broadcast)
}

// stop closes all client connections and detaches from the bus.
func (s *eventStream) stop() {
	if s.subID != "" {
		_ = s.bus.Unsubscribe(s.subID)
	}
	s.mu.Lock()
	s.stopped = true
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.drop(c)
	}
}

func (s *eventStream) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// handleWebSocket upgrades the connection, replays recent history when
// requested (?replay=false disables, ?count=N bounds it), and joins the
// client to the live feed.
func (s *eventStream) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := defaultReplaySize
	if n := r.URL.Query().Get("count"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			count = parsed
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	s.log.Debug().Int("clients", total).Msg("client connected")

	if replay {
		for _, ev := range s.bus.Recent(count) {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case client.send <- data:
			default:
			}
		}
	}

	go s.writePump(client)
	go s.readPump(client)
}

// drop detaches a client. The send channel is never closed; writePump exits
// via the done channel so concurrent broadcasts cannot hit a closed channel.
func (s *eventStream) drop(client *wsClient) {
	client.once.Do(func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		close(client.done)
		client.conn.Close()
	})
}

// broadcast fans one event out to every client; a client with a full send
// buffer is dropped rather than stalling the stream.
func (s *eventStream) broadcast(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("event marshal failed")
		return
	}

	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			s.drop(c)
		}
	}
}

func (s *eventStream) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *eventStream) readPump(client *wsClient) {
	defer s.drop(client)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}
