// Package firehose provides clients for the remote event firehose: a long-lived
// stream of frames plus the server-side rules that filter it.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
)

// Rule is an active filter on the firehose.
type Rule struct {
	ID         string `json:"id"`
	Expression string `json:"value"`
	Tag        string `json:"tag,omitempty"`
}

// FrameStream yields raw frames from one firehose connection.
type FrameStream interface {
	// Next blocks for the next frame. An empty frame is a keep-alive.
	Next() ([]byte, error)

	// Close terminates the connection and unblocks Next.
	Close() error
}

// Client talks to the firehose and its rules endpoint.
type Client interface {
	Connect(ctx context.Context) (FrameStream, error)
	GetRules(ctx context.Context) ([]Rule, error)
	AddRule(ctx context.Context, expression string) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// statusError maps a non-success HTTP status onto a classified error.
func statusError(op string, resp *http.Response) error {
	var detail string
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		detail = strings.TrimSpace(string(b))
	}
	err := fmt.Errorf("status %d", resp.StatusCode)
	if detail != "" {
		err = fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return pkgerrors.NewPermanent(fmt.Errorf("%w: %w", pkgerrors.ErrUnauthorized, err), op)
	case resp.StatusCode == http.StatusTooManyRequests:
		return pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrThrottled, err), op)
	case resp.StatusCode >= 500:
		return pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrRemoteUnavailable, err), op)
	default:
		return pkgerrors.NewPermanent(err, op)
	}
}

// transportError classifies a failure to reach the remote at all.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrRemoteUnavailable, err), op)
}
