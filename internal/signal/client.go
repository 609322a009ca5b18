// Package signal speaks the simple WebRTC signalling protocol: a HELLO
// registration, a SESSION request to the remote peer, then JSON messages
// carrying SDP and ICE candidates.
package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"rtcsession/native/internal/domain"
)

var (
	// ErrServer wraps ERROR lines from the server other than a missing
	// peer, which the client retries on its own.
	ErrServer = errors.New("signal: server error")

	errUnexpectedHello = errors.New("signal: unexpected reply to HELLO")
)

// Config holds the signalling settings.
type Config struct {
	URL          string
	PeerID       int
	RemotePeerID int

	BasicAuth bool
	User      string
	Password  string

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
	// RetryDelay is how long to wait before calling again when the remote
	// peer is not there yet.
	RetryDelay time.Duration
}

// message is the JSON envelope for SDP and ICE.
type message struct {
	SDP *domain.SessionDescription `json:"sdp,omitempty"`
	ICE *domain.IceCandidate       `json:"ice,omitempty"`
}

// Client manages the WebSocket connection to the signalling server.
type Client struct {
	cfg     Config
	handler domain.Handler
	log     logging.LeveledLogger

	conn *websocket.Conn

	mu     sync.Mutex
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewClient creates a new signalling client.
func NewClient(cfg Config, handler domain.Handler, lf logging.LoggerFactory) *Client {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		log:     lf.NewLogger("signal"),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect dials the signalling server, registers with HELLO and starts the
// read loop.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.BasicAuth {
		auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.User + ":" + c.cfg.Password))
		header.Set("Authorization", "Basic "+auth)
	}

	c.log.Infof("connecting to %s", c.cfg.URL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	if err := c.send("HELLO " + strconv.Itoa(c.cfg.PeerID)); err != nil {
		conn.Close()
		return err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read HELLO reply: %w", err)
	}
	if reply := string(data); reply != "HELLO" {
		conn.Close()
		return fmt.Errorf("%w: %q", errUnexpectedHello, reply)
	}
	c.log.Infof("registered as peer %d", c.cfg.PeerID)

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return nil
}

// SetupCall asks the server for a session with the remote peer.
func (c *Client) SetupCall() error {
	c.log.Infof("calling peer %d", c.cfg.RemotePeerID)
	return c.send("SESSION " + strconv.Itoa(c.cfg.RemotePeerID))
}

// SendSDP sends a local description to the remote peer.
func (c *Client) SendSDP(desc domain.SessionDescription) error {
	c.log.Infof("sending %s", desc.Type)
	return c.sendJSON(message{SDP: &desc})
}

// SendICE sends a local candidate to the remote peer.
func (c *Client) SendICE(candidate domain.IceCandidate) error {
	return c.sendJSON(message{ICE: &candidate})
}

// Done is closed when the read loop has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.once.Do(func() { close(c.closed) })
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("signal: not connected")
	}
	c.log.Tracef(">>> %s", text)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) sendJSON(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.send(string(data))
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warnf("read error: %v", err)
			c.handler.OnDisconnect()
			return
		}

		c.log.Tracef("<<< %s", string(data))
		c.dispatch(string(data))
	}
}

func (c *Client) dispatch(text string) {
	switch {
	case text == "HELLO":
		// duplicate registration ack

	case text == "SESSION_OK":
		c.log.Info("session established")
		c.handler.OnSessionEstablished()

	case strings.HasPrefix(text, "ERROR"):
		if isNoPeer(text) {
			c.log.Infof("peer %d not connected yet, calling again in %s", c.cfg.RemotePeerID, c.cfg.RetryDelay)
			c.retryCall()
			return
		}
		c.handler.OnError(fmt.Errorf("%w: %s", ErrServer, strings.TrimSpace(strings.TrimPrefix(text, "ERROR"))))

	default:
		var msg message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			return
		}
		switch {
		case msg.SDP != nil:
			c.log.Infof("received %s", msg.SDP.Type)
			c.handler.OnSDP(*msg.SDP)
		case msg.ICE != nil:
			c.handler.OnICE(*msg.ICE)
		default:
			c.log.Warnf("unhandled message: %s", text)
		}
	}
}

func (c *Client) retryCall() {
	go func() {
		select {
		case <-c.closed:
		case <-time.After(c.cfg.RetryDelay):
			if err := c.SetupCall(); err != nil && !c.isClosed() {
				c.handler.OnError(err)
			}
		}
	}()
}

func isNoPeer(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "peer") && strings.Contains(lower, "not found")
}

var _ domain.Signaler = (*Client)(nil)

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				if !c.isClosed() {
					c.log.Warnf("ping error: %v", err)
				}
				return
			}
		}
	}
}
