// Package firehosetest provides a scripted in-memory firehose.Client for tests.
package firehosetest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	"github.com/telhawk-systems/streamrelay/internal/firehose"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// Session scripts one Connect call.
type Session struct {
	// ConnectErr fails the Connect call itself.
	ConnectErr error

	// Frames are yielded in order once connected.
	Frames [][]byte

	// EndErr is returned after Frames. Nil keeps the stream open until closed.
	EndErr error
}

// Dropped returns a session that yields frames and then loses the connection.
func Dropped(frames ...string) Session {
	s := Session{EndErr: pkgerrors.NewTransient(pkgerrors.ErrRemoteUnavailable, "firehose.read")}
	for _, f := range frames {
		s.Frames = append(s.Frames, []byte(f))
	}
	return s
}

// Open returns a session that yields frames and then idles until closed.
func Open(frames ...string) Session {
	s := Dropped(frames...)
	s.EndErr = nil
	return s
}

// Refused returns a session whose Connect fails with err.
func Refused(err error) Session {
	return Session{ConnectErr: err}
}

// Client is a fake firehose. Sessions are consumed one per Connect; once exhausted,
// Connect returns streams that idle until closed.
type Client struct {
	mu       sync.Mutex
	rules    []firehose.Rule
	nextID   int
	sessions []Session
	connects int
	calls    []string

	// GetRulesErr fails every GetRules call.
	GetRulesErr error

	// AddRuleErr fails AddRule for specific expressions.
	AddRuleErr map[string]error

	// DeleteRuleErr fails DeleteRule for specific ids.
	DeleteRuleErr map[string]error
}

// New creates a fake firehose with the given active rules.
func New(rules ...firehose.Rule) *Client {
	c := &Client{rules: slices.Clone(rules)}
	for _, r := range rules {
		if n, err := strconv.Atoi(r.ID); err == nil && n > c.nextID {
			c.nextID = n
		}
	}
	return c
}

// Script appends sessions for future Connect calls.
func (c *Client) Script(sessions ...Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, sessions...)
	c.mu.Unlock()
}

// Rules returns the active rules.
func (c *Client) Rules() []firehose.Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rules)
}

// Calls returns the rule operations performed, such as "get", "add:#b", "delete:1".
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Connects returns how many times Connect was called.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Connect(ctx context.Context) (firehose.FrameStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.connects++
	s := Open()
	if len(c.sessions) > 0 {
		s = c.sessions[0]
		c.sessions = c.sessions[1:]
	}
	c.mu.Unlock()

	if s.ConnectErr != nil {
		return nil, s.ConnectErr
	}
	return &stream{frames: s.Frames, end: s.EndErr, closed: make(chan struct{})}, nil
}

func (c *Client) GetRules(_ context.Context) ([]firehose.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "get")
	if c.GetRulesErr != nil {
		return nil, c.GetRulesErr
	}
	return slices.Clone(c.rules), nil
}

func (c *Client) AddRule(_ context.Context, expression string) (firehose.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "add:"+expression)
	if err := c.AddRuleErr[expression]; err != nil {
		return firehose.Rule{}, err
	}
	c.nextID++
	r := firehose.Rule{ID: strconv.Itoa(c.nextID), Expression: expression}
	c.rules = append(c.rules, r)
	return r, nil
}

func (c *Client) DeleteRule(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "delete:"+id)
	if err := c.DeleteRuleErr[id]; err != nil {
		return err
	}
	n := len(c.rules)
	c.rules = slices.DeleteFunc(c.rules, func(r firehose.Rule) bool { return r.ID == id })
	if len(c.rules) == n {
		return pkgerrors.NewPermanent(fmt.Errorf("rule %s not found", id), "firehose.delete_rule")
	}
	return nil
}

type stream struct {
	mu     sync.Mutex
	frames [][]byte
	end    error
	closed chan struct{}
	once   sync.Once
}

func (s *stream) Next() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	default:
	}

	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	end := s.end
	s.mu.Unlock()

	if end != nil {
		return nil, end
	}
	<-s.closed
	return nil, io.EOF
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
