package firehose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/telhawk-systems/streamrelay/common/logging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// StreamURL serves newline-delimited JSON frames.
	StreamURL string

	// RulesURL lists, adds and deletes filter rules.
	RulesURL string

	// BearerToken is sent as-is in the Authorization header.
	BearerToken string

	// ReadTimeout closes a stream that delivers nothing, not even a keep-alive,
	// for this long. Zero disables stall detection.
	ReadTimeout time.Duration

	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client
}

// HTTPClient is a filtered-stream firehose reached over plain HTTP.
type HTTPClient struct {
	cfg    HTTPConfig
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates a new HTTP firehose client.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   hc,
		logger: logging.OrDefault(logger).With(logging.Component("firehose-http")),
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, pkgerrors.NewPermanent(err, "firehose.request")
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Connect opens the stream endpoint.
func (c *HTTPClient) Connect(ctx context.Context) (FrameStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.StreamURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "firehose.connect", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("firehose.connect", resp)
	}

	c.logger.Info("firehose stream connected", logging.Endpoint(c.cfg.StreamURL))
	return &lineStream{
		body:    resp.Body,
		reader:  bufio.NewReaderSize(resp.Body, 64*1024),
		timeout: c.cfg.ReadTimeout,
	}, nil
}

type rulesResponse struct {
	Data   []Rule `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Value  string `json:"value"`
	} `json:"errors"`
}

func (c *HTTPClient) doRules(ctx context.Context, op, method string, body any) (*rulesResponse, error) {
	req, err := c.newRequest(ctx, method, c.cfg.RulesURL, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp)
	}

	var out rulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, pkgerrors.NewTransient(fmt.Errorf("decode rules response: %w", err), op)
	}
	return &out, nil
}

// GetRules lists the active rules.
func (c *HTTPClient) GetRules(ctx context.Context) ([]Rule, error) {
	out, err := c.doRules(ctx, "firehose.get_rules", http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []Rule{}, nil
	}
	return out.Data, nil
}

// AddRule creates a rule and returns it with its server-assigned id.
func (c *HTTPClient) AddRule(ctx context.Context, expression string) (Rule, error) {
	body := map[string]any{
		"add": []map[string]string{{"value": expression}},
	}
	out, err := c.doRules(ctx, "firehose.add_rule", http.MethodPost, body)
	if err != nil {
		return Rule{}, err
	}
	for _, r := range out.Data {
		if r.Expression == expression {
			return r, nil
		}
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return Rule{}, pkgerrors.NewPermanent(fmt.Errorf("rule %q rejected: %s %s", expression, e.Title, e.Detail), "firehose.add_rule")
	}
	return Rule{}, pkgerrors.NewPermanent(fmt.Errorf("rule %q not created", expression), "firehose.add_rule")
}

// DeleteRule removes a rule by id.
func (c *HTTPClient) DeleteRule(ctx context.Context, id string) error {
	body := map[string]any{
		"delete": map[string][]string{"ids": {id}},
	}
	_, err := c.doRules(ctx, "firehose.delete_rule", http.MethodPost, body)
	return err
}

// lineStream splits an HTTP body into newline-delimited frames.
type lineStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	timeout time.Duration

	mu       sync.Mutex
	closed   bool
	timedOut bool
}

func (s *lineStream) Next() ([]byte, error) {
	if s.timeout > 0 {
		t := time.AfterFunc(s.timeout, func() {
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			_ = s.body.Close()
		})
		defer t.Stop()
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		s.mu.Lock()
		closed, timedOut := s.closed, s.timedOut
		s.mu.Unlock()

		switch {
		case closed:
			return nil, io.EOF
		case timedOut:
			return nil, pkgerrors.NewTransient(fmt.Errorf("%w: no data for %s", pkgerrors.ErrRemoteUnavailable, s.timeout), "firehose.read")
		case errors.Is(err, io.EOF):
			return nil, pkgerrors.NewTransient(fmt.Errorf("%w: stream ended", pkgerrors.ErrRemoteUnavailable), "firehose.read")
		default:
			return nil, pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrRemoteUnavailable, err), "firehose.read")
		}
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (s *lineStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}
