// Package rules reconciles the firehose's active filter rules against a desired set.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/telhawk-systems/streamrelay/common/logging"
	pkgerrors "github.com/telhawk-systems/streamrelay/internal/errors"
	"github.com/telhawk-systems/streamrelay/internal/firehose"
	"github.com/telhawk-systems/streamrelay/internal/metrics"
)

// PartialReconcileError reports a reconcile that stopped after a failed mutation once
// at least one earlier mutation had been applied. Deleted and Created hold what was
// applied, so a retry only needs the delta.
type PartialReconcileError struct {
	Deleted []firehose.Rule
	Created []firehose.Rule
	Err     error
}

func (e *PartialReconcileError) Error() string {
	return fmt.Sprintf("partial reconcile (deleted %d, created %d): %v", len(e.Deleted), len(e.Created), e.Err)
}

func (e *PartialReconcileError) Unwrap() error {
	return e.Err
}

// fail returns err as is when nothing was applied yet, otherwise e wrapping err.
func (e *PartialReconcileError) fail(err error) error {
	if len(e.Deleted) == 0 && len(e.Created) == 0 {
		return err
	}
	e.Err = err
	return e
}

// Manager reconciles rules on a firehose.
type Manager struct {
	client firehose.Client
	logger *slog.Logger
}

// NewManager creates a new rule manager.
func NewManager(client firehose.Client, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logging.OrDefault(logger).With(logging.Component("rules")),
	}
}

// Reconcile makes the active rules equal to desired and returns the resulting set.
//
// Rules whose expression is not desired are deleted first, then missing expressions are
// created. A second call with the same desired set reads the active rules but issues no
// mutations.
func (m *Manager) Reconcile(ctx context.Context, desired []string) ([]firehose.Rule, error) {
	want, order, err := normalize(desired)
	if err != nil {
		return nil, err
	}

	active, err := m.client.GetRules(ctx)
	if err != nil {
		if pkgerrors.IsCanceled(err) || errors.Is(err, pkgerrors.ErrRemoteUnavailable) || pkgerrors.IsPermanent(err) {
			return nil, fmt.Errorf("get active rules: %w", err)
		}
		return nil, pkgerrors.NewTransient(fmt.Errorf("%w: %w", pkgerrors.ErrRemoteUnavailable, err), "rules.get")
	}

	var (
		keep     []firehose.Rule
		toDelete []firehose.Rule
		have     = make(map[string]bool, len(active))
	)
	for _, r := range active {
		if want[r.Expression] && !have[r.Expression] {
			have[r.Expression] = true
			keep = append(keep, r)
			continue
		}
		toDelete = append(toDelete, r)
	}

	partial := &PartialReconcileError{}
	for _, r := range toDelete {
		if err := m.client.DeleteRule(ctx, r.ID); err != nil {
			metrics.RuleMutationsTotal.WithLabelValues("delete", "error").Inc()
			return nil, partial.fail(fmt.Errorf("delete rule %s: %w", r.ID, err))
		}
		metrics.RuleMutationsTotal.WithLabelValues("delete", "ok").Inc()
		m.logger.InfoContext(ctx, "rule deleted", logging.RuleID(r.ID), slog.String("expression", r.Expression))
		partial.Deleted = append(partial.Deleted, r)
	}

	for _, expr := range order {
		if have[expr] {
			continue
		}
		r, err := m.client.AddRule(ctx, expr)
		if err != nil {
			metrics.RuleMutationsTotal.WithLabelValues("add", "error").Inc()
			return nil, partial.fail(fmt.Errorf("add rule %q: %w", expr, err))
		}
		metrics.RuleMutationsTotal.WithLabelValues("add", "ok").Inc()
		m.logger.InfoContext(ctx, "rule created", logging.RuleID(r.ID), slog.String("expression", r.Expression))
		partial.Created = append(partial.Created, r)
	}

	result := append(keep, partial.Created...)
	if len(partial.Deleted) == 0 && len(partial.Created) == 0 {
		m.logger.DebugContext(ctx, "rules already reconciled", slog.Int("rules", len(result)))
	}
	return result, nil
}

// normalize validates desired and returns it as a set plus first-seen order.
func normalize(desired []string) (map[string]bool, []string, error) {
	set := make(map[string]bool, len(desired))
	order := make([]string, 0, len(desired))
	for _, expr := range desired {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return nil, nil, pkgerrors.NewPermanent(fmt.Errorf("%w: empty rule expression", pkgerrors.ErrInvalidConfig), "rules.reconcile")
		}
		if set[expr] {
			continue
		}
		set[expr] = true
		order = append(order, expr)
	}
	return set, order, nil
}
