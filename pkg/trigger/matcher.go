// Package trigger selects the definitions an incoming event should start.
package trigger

import (
	"cmp"
	"crypto/subtle"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/lexflow/pkg/condition"
	"github.com/dukex/lexflow/pkg/models"
)

var (
	ErrManualNotAuthorized  = errors.New("caller is not authorized to start this workflow manually")
	ErrWebhookNotConfigured = errors.New("workflow has no webhook trigger")
	ErrWebhookSecret        = errors.New("webhook secret mismatch")
)

// Caller is who asks for a manual start.
type Caller struct {
	UserID string
	Roles  []string
}

// Matcher matches domain events against active definitions.
type Matcher struct {
	logger    *slog.Logger
	evaluator *condition.Evaluator
	now       func() time.Time
}

// NewMatcher creates a matcher. A nil clock uses time.Now.
func NewMatcher(logger *slog.Logger, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}

	return &Matcher{
		logger:    logger.With("module", "trigger_matcher"),
		evaluator: condition.NewEvaluator(logger),
		now:       now,
	}
}

// Match returns the candidates started by event, ordered by descending
// priority then ascending id. Only active definitions inside their validity
// window qualify, and at least one trigger for the event must have all of its
// conditions hold against payload. Manual and scheduled events never match.
func (m *Matcher) Match(event models.EventName, payload map[string]any, candidates []*models.Definition) []*models.Definition {
	if event == models.EventManual || event == models.EventScheduled {
		return nil
	}

	now := m.now()

	var matched []*models.Definition

	for _, def := range candidates {
		if def.Status != models.DefinitionStatusActive || !def.Active || !def.InValidityWindow(now) {
			continue
		}

		for _, t := range def.TriggersFor(event) {
			if ok, _ := m.evaluator.All(t.Conditions, payload); ok {
				matched = append(matched, def)

				break
			}
		}
	}

	slices.SortStableFunc(matched, func(a, b *models.Definition) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}

		return cmp.Compare(a.ID, b.ID)
	})

	m.logger.Debug("matched definitions", "event", event, "candidates", len(candidates), "matched", len(matched))

	return matched
}

// MatchWebhook checks a webhook call against the WEBHOOK triggers of def and
// returns the trigger that accepts it. A nil trigger with a nil error means the
// secret was accepted but the trigger conditions filtered the payload out.
func (m *Matcher) MatchWebhook(def *models.Definition, secret string, payload map[string]any) (*models.Trigger, error) {
	triggers := def.TriggersFor(models.EventWebhook)
	if len(triggers) == 0 {
		return nil, ErrWebhookNotConfigured
	}

	var err error = ErrWebhookSecret

	for _, t := range triggers {
		if t.Webhook == nil || subtle.ConstantTimeCompare([]byte(t.Webhook.Secret), []byte(secret)) != 1 {
			continue
		}

		if ok, _ := m.evaluator.All(t.Conditions, payload); ok {
			return t, nil
		}

		err = nil
	}

	return nil, err
}

// AuthorizeManual checks a manual start. Definitions without MANUAL triggers
// may be started by anyone allowed to execute workflows; otherwise the caller
// must be listed by one trigger, or that trigger must list nobody.
func AuthorizeManual(def *models.Definition, caller Caller) error {
	triggers := def.TriggersFor(models.EventManual)
	if len(triggers) == 0 {
		return nil
	}

	for _, t := range triggers {
		if t.Manual == nil || (len(t.Manual.AuthorizedUsers) == 0 && len(t.Manual.AuthorizedRoles) == 0) {
			return nil
		}

		if slices.Contains(t.Manual.AuthorizedUsers, caller.UserID) {
			return nil
		}

		for _, role := range caller.Roles {
			if slices.Contains(t.Manual.AuthorizedRoles, role) {
				return nil
			}
		}
	}

	return ErrManualNotAuthorized
}
