package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
)

const writeTimeout = 30 * time.Second

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("relay connection closed")

// Handler processes one inbound envelope. Envelopes are delivered in the
// order the relay sent them.
type Handler func(env common.Envelope) error

// Client is a websocket connection to the signaling relay
type Client struct {
	logger *zap.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// Dial connects to the relay at rawURL
func Dial(ctx context.Context, logger *zap.Logger, rawURL string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", rawURL, err)
	}
	logger.Info("Connected to relay", zap.String("url", rawURL))
	return &Client{logger: logger, conn: conn}, nil
}

// Send writes an envelope as a JSON text message. It is safe for
// concurrent use.
func (c *Client) Send(env common.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s: %w", env.Type, err)
	}
	return nil
}

// Run reads envelopes and hands them to handler until the connection
// closes or ctx is cancelled. Handler errors are logged, not fatal.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("relay read failed: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text relay message", zap.Int("type", msgType))
			continue
		}

		var env common.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping malformed relay message", zap.Error(err))
			continue
		}
		if err := handler(env); err != nil {
			c.logger.Debug("Relay message not applied", zap.String("type", env.Type), zap.Error(err))
		}
	}
}

func (c *Client) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

// Close sends a close frame and shuts the connection. It is idempotent.
func (c *Client) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("Failed to send close frame", zap.Error(err))
	}
	c.writeMu.Unlock()

	return c.conn.Close()
}

// UploadURL is the relay endpoint a host opens to publish a file
func UploadURL(base string, meta common.FileMetadata) string {
	q := url.Values{}
	q.Set("filename", meta.Filename)
	q.Set("filetype", meta.MimeType)
	q.Set("filesize", strconv.FormatUint(meta.SizeBytes, 10))
	return strings.TrimSuffix(base, "/") + "/api/upload?" + q.Encode()
}

// JoinURL is the relay endpoint a receiver opens to join an upload
func JoinURL(base, uploadID string) string {
	return strings.TrimSuffix(base, "/") + "/api/join/" + url.PathEscape(uploadID)
}

type joinRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// JoinRequest builds the join_request a receiver sends after connecting
func JoinRequest(name, publicKey string) (common.Envelope, error) {
	return common.NewEnvelope("join_request", joinRequest{Name: name, PublicKey: publicKey})
}
