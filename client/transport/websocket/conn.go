package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/model"
	"github.com/adwski/studyroom-sync/client/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 10 * time.Second
	defaultPongWait     = 15 * time.Second
)

var (
	ErrDial   = errors.New("unable to dial bus")
	ErrClosed = errors.New("connection is closed")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// Token is sent as a bearer Authorization header on the upgrade request.
		Token string
	}

	Dialer struct {
		logger zerolog.Logger
		ws     *websocket.Dialer
		header http.Header
	}

	// Conn carries JSON frames over a gorilla connection. Reads come from a
	// single goroutine; writes are serialized.
	Conn struct {
		logger zerolog.Logger
		conn   *websocket.Conn
		wmx    *sync.Mutex
		done   chan struct{}
		once   *sync.Once
	}
)

func NewDialer(cfg Config) *Dialer {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	return &Dialer{
		logger: cfg.Logger.With().Str("component", "websocket").Logger(),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		},
		header: header,
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, resp, err := d.ws.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	return newConn(conn, &d.logger), nil
}

func newConn(conn *websocket.Conn, logger *zerolog.Logger) *Conn {
	c := &Conn{
		logger: logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		conn:   conn,
		wmx:    &sync.Mutex{},
		done:   make(chan struct{}),
		once:   &sync.Once{},
	}

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
	}
	go c.pinger()
	return c
}

func (c *Conn) pinger() {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
PingLoop:
	for {
		select {
		case <-c.done:
			break PingLoop
		case <-pingTicker.C:
			c.wmx.Lock()
			err := c.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if err == nil {
				err = c.conn.WriteMessage(websocket.PingMessage, []byte{})
			}
			c.wmx.Unlock()
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				break PingLoop
			}
			c.logger.Trace().Msg("ping sent")
		}
	}
}

// ReadFrame blocks until the next text frame arrives. Cancellation is done by
// closing the connection.
func (c *Conn) ReadFrame(_ context.Context) (model.Frame, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection closed")
			}
			return model.Frame{}, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		var f model.Frame
		if err = json.Unmarshal(msg, &f); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
			continue
		}
		return f, nil
	}
}

func (c *Conn) WriteFrame(_ context.Context, f model.Frame) error {
	b, err := json.Marshal(&f)
	if err != nil {
		return err
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err = c.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	return w.Close()
}

// Close sends a close message and drops the connection. Repeated calls are
// no-ops.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.wmx.Lock()
		close(c.done)
		wsErr := c.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
		if wsErr != nil {
			c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
		} else {
			wsErr = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if wsErr != nil {
				c.logger.Debug().Err(wsErr).Msg("failed to send close message")
			}
		}
		c.wmx.Unlock()
		err = c.conn.Close()
	})
	return err
}
