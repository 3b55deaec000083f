package publisher

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size accepted from the hub
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256

	initialReconnectDelay = 250 * time.Millisecond
)

// TokenSource supplies the bearer token presented on every dial.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed shared token. An empty token sends no header.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// link is one persistent outbound websocket to the hub. It reconnects with
// capped exponential backoff until its context ends.
type link struct {
	name         string
	url          string
	tokens       TokenSource
	reconnectMax time.Duration
	dialer       *websocket.Dialer

	send      chan []byte
	connected atomic.Bool
	logger    *zap.Logger
}

func newLink(name, url string, tokens TokenSource, reconnectMax time.Duration, logger *zap.Logger) *link {
	return &link{
		name:         name,
		url:          url,
		tokens:       tokens,
		reconnectMax: reconnectMax,
		dialer:       &websocket.Dialer{HandshakeTimeout: writeWait},
		send:         make(chan []byte, sendBufferSize),
		logger:       logger.With(zap.String("link", name), zap.String("url", url)),
	}
}

// offer queues data without blocking. While the link is down the data is
// dropped, never queued for later.
func (l *link) offer(data []byte) error {
	if !l.connected.Load() {
		return fmt.Errorf("%w: %s link disconnected", types.ErrPublishUnavailable, l.name)
	}
	select {
	case l.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s send buffer full", types.ErrPublishUnavailable, l.name)
	}
}

func (l *link) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialReconnectDelay
	b.MaxInterval = l.reconnectMax
	b.MaxElapsedTime = 0

	for ctx.Err() == nil {
		conn, err := l.dial(ctx)
		if err != nil {
			wait := b.NextBackOff()
			l.logger.Warn("Hub connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		l.logger.Info("Hub link connected")
		l.connected.Store(true)

		err = l.pump(ctx, conn)

		l.connected.Store(false)
		l.drain()
		if ctx.Err() == nil {
			l.logger.Warn("Hub link disconnected", zap.Error(err))
		}
	}
}

func (l *link) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.tokens != nil {
		token, err := l.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain hub token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pump writes queued messages and keepalive pings until the connection or
// ctx ends. A reader goroutine consumes hub replies and control frames.
func (l *link) pump(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()

		case err := <-readErr:
			return err

		case message := <-l.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return err
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (l *link) drain() {
	for {
		select {
		case <-l.send:
		default:
			return
		}
	}
}
