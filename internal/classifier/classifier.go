// Package classifier runs the concurrent-window → trigger → violator →
// banlist staged state machine for every tracked user.
package classifier

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxshare/detectord/internal/tracker"
)

// RosterLookup is the subset of the roster cache the classifier needs:
// the device limit for a user (unknown users are treated as unlimited)
// and whether an email is in the configured whitelist.
type RosterLookup interface {
	Limit(email string) (limit int, known bool)
	IsWhitelisted(email string) bool
}

// Tracked is the subset of the user tracker the classifier needs.
type Tracked interface {
	Emails() []string
	Ensure(email string) *tracker.UserState
	RecentIPs(email string, window time.Duration, now time.Time) map[string]struct{}
}

// Observer receives every domain event the classifier emits, independent
// of the Notify sink — used for metrics and in-process audit trails.
type Observer interface {
	Observe(Event)
}

// Metrics is the optional hook for classifier-internal failures that must
// surface as a metric without affecting in-memory state. A nil Metrics is
// replaced by a no-op, the same capability-interface shape as Persist,
// Notify, and Enrich.
type Metrics interface {
	PersistFailure(email string)
}

type noopMetrics struct{}

func (noopMetrics) PersistFailure(string) {}

// Config holds the classifier's tunable thresholds, mapped 1:1 onto
// spec-named configuration values.
type Config struct {
	ConcurrentWindow     time.Duration
	TriggerPeriod        time.Duration
	TriggerCount         int
	BanlistThreshold     time.Duration
	ClearHysteresisTicks int
}

// Classifier runs the staged state machine on a fixed tick.
type Classifier struct {
	cfg     Config
	tracker Tracked
	roster  RosterLookup

	persist Persist
	notify  Notify
	enrich  Enrich
	metrics Metrics

	log zerolog.Logger

	mu          sync.Mutex
	observers   []Observer
	subLimitRun map[string]int // consecutive sub-limit ticks, for hysteresis

	banlisted sync.Map // email -> struct{}, hydrated at startup
}

// New creates a Classifier. Nil sinks are replaced by no-ops so callers
// never need to branch on capability presence.
func New(cfg Config, trk Tracked, roster RosterLookup, persist Persist, notify Notify, enrich Enrich, log zerolog.Logger) *Classifier {
	if persist == nil {
		persist = noopPersist{}
	}
	if notify == nil {
		notify = noopNotify{}
	}
	if enrich == nil {
		enrich = noopEnrich{}
	}
	return &Classifier{
		cfg:         cfg,
		tracker:     trk,
		roster:      roster,
		persist:     persist,
		notify:      notify,
		enrich:      enrich,
		metrics:     noopMetrics{},
		log:         log.With().Str("component", "classifier").Logger(),
		subLimitRun: make(map[string]int),
	}
}

// SetMetrics registers the failure-metrics sink (e.g. a Prometheus-backed
// counter). Optional: a nil Metrics restores the no-op.
func (c *Classifier) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// Enrich exposes the configured IP enrichment capability for detail views.
func (c *Classifier) Enrich() Enrich { return c.enrich }

// BanlistEntries returns the durable banlist rows, sourced directly from
// the configured Persist sink so the query API reflects "empty if
// persistence disabled" without the classifier duplicating that state.
func (c *Classifier) BanlistEntries() ([]BanlistRecord, error) {
	return c.persist.LoadAll()
}

// IsBanlisted reports whether an email currently holds banlist status.
func (c *Classifier) IsBanlisted(email string) bool {
	return c.isBanlisted(email)
}

// AddObserver registers an Observer to receive every emitted Event, in
// addition to the Notify sink.
func (c *Classifier) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Hydrate loads the persisted banlist at startup, per §4.7: the classifier
// hydrates its banlisted set from Persist.LoadAll before the first tick.
func (c *Classifier) Hydrate() error {
	records, err := c.persist.LoadAll()
	if err != nil {
		return err
	}
	for _, r := range records {
		c.banlisted.Store(r.Email, struct{}{})
		u := c.tracker.Ensure(r.Email)
		u.SetStage(tracker.StageBanlisted, r.FirstBanlistedAt)
	}
	return nil
}

// Tick runs one classification pass over every user with recent activity
// or non-clean stage, per §4.3.
func (c *Classifier) Tick(now time.Time) {
	for _, email := range c.tracker.Emails() {
		c.tickUser(email, now)
	}
}

func (c *Classifier) tickUser(email string, now time.Time) {
	u := c.tracker.Ensure(email)

	limit, known := c.roster.Limit(email)
	whitelisted := c.roster.IsWhitelisted(email)

	if (known && limit == 0) || whitelisted {
		wasViolator := !u.ViolatorSince().IsZero()
		wasBanlisted := c.isBanlisted(email)

		u.ClearTriggers()
		u.ClearViolatorSince()
		u.SetStage(tracker.StageClean, time.Time{})
		delete(c.subLimitRun, email)

		if wasBanlisted {
			c.banlisted.Delete(email)
			c.emit(Event{Kind: EventBanlistCleared, Email: email, At: now})
		} else if wasViolator {
			c.emit(Event{Kind: EventViolatorCleared, Email: email, At: now})
		}
		return
	}

	window := c.recentIPCount(email, now)
	// Unknown users (missing from the last roster snapshot) are treated as
	// device_limit = infinity: never over limit.
	overLimit := known && window > limit

	if overLimit {
		delete(c.subLimitRun, email)
		u.AppendTrigger(now)
		u.PruneTriggers(now, c.cfg.TriggerPeriod)

		if u.TriggerCount() >= c.cfg.TriggerCount && u.ViolatorSince().IsZero() {
			u.SetViolatorSince(now)
			c.emit(Event{Kind: EventViolatorOnset, Email: email, ObservedIPs: window, Limit: limit, At: now})
		}

		if vs := u.ViolatorSince(); !vs.IsZero() && !c.isBanlisted(email) {
			if now.Sub(vs) >= c.cfg.BanlistThreshold {
				c.promoteToBanlist(email, now)
			}
		}
	} else {
		c.handleSubLimit(u, email, now)
	}

	c.deriveStage(u, email)
}

func (c *Classifier) recentIPCount(email string, now time.Time) int {
	return len(c.tracker.RecentIPs(email, c.cfg.ConcurrentWindow, now))
}

// handleSubLimit applies the clear-on-sub-limit rule, optionally gated by
// the opt-in hysteresis knob (see DESIGN.md Open Question decision).
func (c *Classifier) handleSubLimit(u *tracker.UserState, email string, now time.Time) {
	if c.cfg.ClearHysteresisTicks <= 0 {
		c.clearTriggersAndViolator(u, email, now)
		return
	}

	c.mu.Lock()
	c.subLimitRun[email]++
	runLen := c.subLimitRun[email]
	c.mu.Unlock()

	if runLen >= c.cfg.ClearHysteresisTicks {
		c.clearTriggersAndViolator(u, email, now)
		c.mu.Lock()
		delete(c.subLimitRun, email)
		c.mu.Unlock()
	}
}

func (c *Classifier) clearTriggersAndViolator(u *tracker.UserState, email string, now time.Time) {
	wasViolator := !u.ViolatorSince().IsZero()
	u.ClearTriggers()
	u.ClearViolatorSince()
	if wasViolator && !c.isBanlisted(email) {
		c.emit(Event{Kind: EventViolatorCleared, Email: email, At: now})
	}
}

func (c *Classifier) promoteToBanlist(email string, now time.Time) {
	// The in-memory promotion is authoritative the moment a user crosses
	// BanlistThreshold; a durable-write failure below never reverts it.
	c.banlisted.Store(email, struct{}{})

	state := c.tracker.Ensure(email)
	state.SetStage(tracker.StageBanlisted, now)

	if err := c.persistWithRetry(email, now); err != nil {
		c.log.Error().Err(err).Str("email", email).Msg("banlist persist failed after retries, in-memory promotion retained")
		c.mu.Lock()
		m := c.metrics
		c.mu.Unlock()
		m.PersistFailure(email)
	}
	c.emit(Event{Kind: EventBanlistAdded, Email: email, At: now})
}

const (
	persistRetryAttempts  = 3
	persistRetryBaseDelay = 200 * time.Millisecond
)

// persistWithRetry attempts the durable Upsert up to persistRetryAttempts
// times with exponential backoff, grounded on the teacher's
// openDataConnection retry loop (internal/client/client.go), adapted to a
// doubling delay since the classifier tick carries no context to select on.
func (c *Classifier) persistWithRetry(email string, now time.Time) error {
	delay := persistRetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= persistRetryAttempts; attempt++ {
		lastErr = c.persist.Upsert(email, now, "sustained violator")
		if lastErr == nil {
			return nil
		}
		if attempt == persistRetryAttempts {
			break
		}
		c.log.Debug().Err(lastErr).Str("email", email).Int("attempt", attempt).Msg("banlist persist failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
	return lastErr
}

func (c *Classifier) isBanlisted(email string) bool {
	_, ok := c.banlisted.Load(email)
	return ok
}

func (c *Classifier) deriveStage(u *tracker.UserState, email string) {
	switch {
	case c.isBanlisted(email):
		u.SetStage(tracker.StageBanlisted, time.Time{})
	case !u.ViolatorSince().IsZero():
		u.SetStage(tracker.StageViolator, time.Time{})
	case u.TriggerCount() > 0:
		u.SetStage(tracker.StageOverLimit, time.Time{})
	default:
		u.SetStage(tracker.StageClean, time.Time{})
	}
}

// ClearBanlist clears every banlisted entry, emitting one BanlistCleared
// event per email, and clears the Persist-backed durable store.
func (c *Classifier) ClearBanlist(now time.Time) error {
	var emails []string
	c.banlisted.Range(func(k, _ interface{}) bool {
		emails = append(emails, k.(string))
		return true
	})

	if err := c.persist.Clear(); err != nil {
		return err
	}

	for _, email := range emails {
		c.banlisted.Delete(email)
		if u, ok := c.tracker.(interface {
			Get(string) (*tracker.UserState, bool)
		}); ok {
			if state, found := u.Get(email); found {
				state.SetStage(tracker.StageClean, time.Time{})
				state.ClearTriggers()
				state.ClearViolatorSince()
			}
		}
		c.emit(Event{Kind: EventBanlistCleared, Email: email, At: now})
	}
	return nil
}

func (c *Classifier) emit(e Event) {
	// Every fanned-out event carries its own idempotency key, the same way
	// the teacher's scheduler stamps an idempotency key onto each outbound
	// autopayment it fires, so a Notify sink (or anything downstream of the
	// webhook) can de-duplicate retried deliveries of the same promotion.
	e.ID = uuid.New().String()

	if err := c.notify.Send(e.ID, notifyMessage(e)); err != nil {
		c.log.Warn().Err(err).Str("email", e.Email).Msg("notify send failed")
	}

	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.Observe(e)
	}
}

func notifyMessage(e Event) string {
	switch e.Kind {
	case EventViolatorOnset:
		return e.Email + " exceeded its device limit and is now a violator"
	case EventViolatorCleared:
		return e.Email + " cleared violator status"
	case EventBanlistAdded:
		return e.Email + " was added to the banlist"
	case EventBanlistCleared:
		return e.Email + " was cleared from the banlist"
	default:
		return string(e.Kind) + ": " + e.Email
	}
}
