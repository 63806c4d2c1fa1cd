package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/telhawk-systems/streamrelay/common/logging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// WebSocketConfig configures a WebSocketClient.
type WebSocketConfig struct {
	// Endpoint is the ws:// or wss:// subscribe URL.
	Endpoint string

	// Compress asks the server for zstd-compressed frames.
	Compress bool

	// BearerToken, when set, is sent in the Authorization header of the handshake.
	BearerToken string

	HandshakeTimeout time.Duration

	// ReadTimeout is the read deadline per frame. Zero disables it.
	ReadTimeout time.Duration
}

// WebSocketClient is a firehose whose filters are connection parameters. Rules live
// client-side and apply to the next Connect.
type WebSocketClient struct {
	cfg     WebSocketConfig
	decoder *zstd.Decoder
	logger  *slog.Logger

	mu    sync.Mutex
	rules []Rule
}

// NewWebSocketClient creates a new WebSocket firehose client.
func NewWebSocketClient(cfg WebSocketConfig, logger *slog.Logger) (*WebSocketClient, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &WebSocketClient{
		cfg:     cfg,
		decoder: decoder,
		logger:  logging.OrDefault(logger).With(logging.Component("firehose-ws")),
	}, nil
}

// Close releases the decoder.
func (c *WebSocketClient) Close() {
	c.decoder.Close()
}

func (c *WebSocketClient) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()

	c.mu.Lock()
	for _, r := range c.rules {
		q.Add("wantedCollections", r.Expression)
	}
	c.mu.Unlock()

	if c.cfg.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the socket with the current rules as filters.
func (c *WebSocketClient) Connect(ctx context.Context) (FrameStream, error) {
	wsURL, err := c.buildURL()
	if err != nil {
		return nil, pkgerrors.NewPermanent(fmt.Errorf("failed to build WebSocket URL: %w", err), "firehose.connect")
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError("firehose.connect", resp)
		}
		return nil, transportError(ctx, "firehose.connect", err)
	}

	c.logger.Info("firehose socket connected", logging.Endpoint(c.cfg.Endpoint))
	return &socketStream{
		conn:     conn,
		decoder:  c.decoder,
		compress: c.cfg.Compress,
		timeout:  c.cfg.ReadTimeout,
	}, nil
}

// GetRules returns the filters applied on connect.
func (c *WebSocketClient) GetRules(_ context.Context) ([]Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rules), nil
}

// AddRule registers a filter for subsequent connections.
func (c *WebSocketClient) AddRule(_ context.Context, expression string) (Rule, error) {
	r := Rule{ID: uuid.NewString(), Expression: expression}
	c.mu.Lock()
	c.rules = append(c.rules, r)
	c.mu.Unlock()
	return r, nil
}

// DeleteRule removes a filter. Unknown ids are ignored.
func (c *WebSocketClient) DeleteRule(_ context.Context, id string) error {
	c.mu.Lock()
	c.rules = slices.DeleteFunc(c.rules, func(r Rule) bool { return r.ID == id })
	c.mu.Unlock()
	return nil
}

type socketStream struct {
	conn     *websocket.Conn
	decoder  *zstd.Decoder
	compress bool
	timeout  time.Duration

	closeOnce sync.Once
}

func (s *socketStream) Next() ([]byte, error) {
	if s.timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrRemoteUnavailable, err), "firehose.read")
	}

	if s.compress && bytes.HasPrefix(data, zstdMagic) {
		decompressed, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, pkgerrors.NewPermanent(fmt.Errorf("%w: decompress: %w", pkgerrors.ErrMalformedPayload, err), "firehose.read")
		}
		data = decompressed
	}
	return data, nil
}

func (s *socketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
