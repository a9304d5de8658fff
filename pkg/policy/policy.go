// Package policy interprets the retry and escalation configuration of
// definitions. Records live in an arena indexed by definition id so the engine
// resolves them without re-reading definitions.
package policy

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dukex/lexflow/pkg/models"
)

const (
	defaultInterval    = 2 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxInterval = time.Minute
)

// Record is the interpreted policy set of one definition version.
type Record struct {
	DefinitionID string
	Version      string
	Retry        models.RetryPolicy
	Escalation   models.EscalationPolicy
	Notification models.NotificationPolicy
	GlobalTTL    time.Duration
}

// Table is an arena of policy records.
type Table struct {
	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

func NewTable() *Table {
	return &Table{index: map[string]int{}}
}

// Load returns the record of def, interpreting its configuration when the
// definition or its version is new to the table.
func (t *Table) Load(def *models.Definition) Record {
	t.mu.RLock()
	i, ok := t.index[def.ID]
	if ok && t.records[i].Version == def.Version {
		r := t.records[i]
		t.mu.RUnlock()

		return r
	}
	t.mu.RUnlock()

	record := Record{
		DefinitionID: def.ID,
		Version:      def.Version,
		Retry:        def.Config.Retries,
		Escalation:   def.Config.Escalation,
		Notification: def.Config.Notifications,
		GlobalTTL:    hours(def.Config.GlobalTimeoutHours),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[def.ID]; ok {
		t.records[i] = record
	} else {
		t.index[def.ID] = len(t.records)
		t.records = append(t.records, record)
	}

	return record
}

// Get returns the record of a definition already loaded.
func (t *Table) Get(definitionID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[definitionID]
	if !ok {
		return Record{}, false
	}

	return t.records[i], true
}

// Forget drops the record of a definition, e.g. after an update.
func (t *Table) Forget(definitionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[definitionID]; ok {
		// keep the arena dense: move the last record into the hole
		last := len(t.records) - 1
		t.records[i] = t.records[last]
		t.index[t.records[i].DefinitionID] = i
		t.records = t.records[:last]
		delete(t.index, definitionID)
	}
}

// Len returns the number of records held.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.records)
}

// MaxTries is the number of dispatch attempts, the first included.
func (r Record) MaxTries() uint {
	if !r.Retry.Enabled || r.Retry.MaxAttempts <= 0 {
		return 1
	}

	return uint(r.Retry.MaxAttempts) + 1
}

// BackOff builds the exponential backoff between attempts.
func (r Record) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInterval
	b.Multiplier = defaultMultiplier
	b.MaxInterval = defaultMaxInterval

	if r.Retry.IntervalSeconds > 0 {
		b.InitialInterval = seconds(r.Retry.IntervalSeconds)
	}

	if r.Retry.Multiplier >= 1 {
		b.Multiplier = r.Retry.Multiplier
	}

	if r.Retry.MaxIntervalSecs > 0 {
		b.MaxInterval = seconds(r.Retry.MaxIntervalSecs)
	}

	b.Reset()

	return b
}

// RetryDelay is the wait after the given failed attempt, counted from 1.
func (r Record) RetryDelay(attempt int) time.Duration {
	b := r.BackOff()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}

	return delay
}

// EscalationDecision is what to do when a step deadline passes.
type EscalationDecision struct {
	// Escalate is false when the step must fail with a timeout
	Escalate   bool
	Recipients []string
	Channel    string
	Extension  time.Duration
}

// OnTimeout decides how a step timeout is handled given how many times the
// step was already extended. Escalation extends at most MaxExtensions times
// (once when unset); the extension defaults to the step timeout itself.
func (r Record) OnTimeout(extensions int, stepTimeout time.Duration) EscalationDecision {
	if !r.Escalation.Enabled {
		return EscalationDecision{}
	}

	limit := r.Escalation.MaxExtensions
	if limit <= 0 {
		limit = 1
	}

	if extensions >= limit {
		return EscalationDecision{}
	}

	extension := hours(r.Escalation.ExtensionHours)
	if extension <= 0 {
		extension = stepTimeout
	}

	if extension <= 0 {
		return EscalationDecision{}
	}

	return EscalationDecision{
		Escalate:   true,
		Recipients: r.Escalation.Recipients,
		Channel:    r.Escalation.Channel,
		Extension:  extension,
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
