package connectivity

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Reconnect backoff bounds.
	reconnectMin = 2 * time.Second
	reconnectMax = 2 * time.Minute
)

// Message is the basic message structure for routing
type Message struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	MsgID    string `json:"msgId,omitempty"`
}

// Notifier keeps a websocket session to the hub server and reports
// connectivity transitions. It doubles as the realtime sync channel: a SYNC
// message from the server means new changes are waiting and a pull should
// happen now instead of at the next timer tick.
type Notifier struct {
	url      string
	deviceID string

	// OnOnline fires on every connectivity transition.
	OnOnline func(online bool)
	// OnSyncHint fires when the server announces new changes.
	OnSyncHint func()

	mu       sync.Mutex
	conn     *websocket.Conn
	online   bool
	resolved bool // at least one connect attempt has settled
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a notifier dialing the hub's /ws endpoint derived from the
// HTTP server URL.
func New(serverURL, deviceID string) (*Notifier, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	return &Notifier{
		url:      u.String(),
		deviceID: deviceID,
		stopChan: make(chan struct{}),
	}, nil
}

// Start runs the connect/reconnect loop until Stop
func (n *Notifier) Start() {
	go n.run()
}

// Stop closes the session and ends the reconnect loop
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopChan)
		n.mu.Lock()
		if n.conn != nil {
			n.conn.Close()
		}
		n.mu.Unlock()
	})
}

// Online reports the current connectivity state
func (n *Notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *Notifier) run() {
	backoff := reconnectMin

	for {
		select {
		case <-n.stopChan:
			return
		default:
		}

		conn, err := n.dial()
		if err != nil {
			log.Printf("⚠️ WS dial failed (retry in %v): %v", backoff, err)
			n.setOnline(false)
			select {
			case <-time.After(backoff):
			case <-n.stopChan:
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectMin
		n.setOnline(true)
		log.Println("📡 WS session established")

		n.serve(conn)
		n.setOnline(false)

		select {
		case <-n.stopChan:
			return
		default:
			log.Println("⚠️ WS session lost, reconnecting...")
		}
	}
}

func (n *Notifier) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, n.url, nil)
	if err != nil {
		return nil, err
	}

	// Identify so the hub can target SYNC messages at this device
	hello := Message{
		Type:     "DEVICE_IDENTIFY",
		DeviceID: n.deviceID,
		MsgID:    uuid.New().String(),
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, err
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	return conn, nil
}

// serve reads messages until the session drops. A ping goroutine keeps the
// connection alive through NATs.
func (n *Notifier) serve(conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go n.pingLoop(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WS error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "SYNC":
			if n.OnSyncHint != nil {
				n.OnSyncHint()
			}
		case "ACK":
			// handshake confirmed, nothing to do
		}
	}
}

func (n *Notifier) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-n.stopChan:
			return
		}
	}
}

// setOnline records the state and reports it on the first determination and
// on every transition after that.
func (n *Notifier) setOnline(online bool) {
	n.mu.Lock()
	changed := !n.resolved || n.online != online
	n.resolved = true
	n.online = online
	n.mu.Unlock()

	if changed && n.OnOnline != nil {
		n.OnOnline(online)
	}
}
