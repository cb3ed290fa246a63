// Package tracker maintains per-user sliding-window IP observations and
// answers the concurrent-window and shared-IP queries the classifier and
// query API depend on.
package tracker

import (
	"sync"
	"time"
)

// Observation is a captured event retained in a UserState's recent_requests
// ring, independent of whether subnet grouping collapsed its source IP.
type Observation struct {
	IP         string
	RawIP      string
	NodeID     string
	ObservedAt time.Time
	Protocol   string
	Destination string
	Action     string
}

// ipRecord is one distinct observed IP for a user, pruned by age.
type ipRecord struct {
	IP       string
	LastSeen time.Time
	NodeID   string
}

// Stage is the classifier-derived violation stage. The tracker itself
// never assigns a stage; it is stored here so a user's UserState survives
// as long as the classifier needs it (see Prune).
type Stage string

const (
	StageClean     Stage = "clean"
	StageOverLimit Stage = "over_limit"
	StageViolator  Stage = "violator"
	StageBanlisted Stage = "banlisted"
)

// UserState is the per-email tracked state.
type UserState struct {
	mu sync.RWMutex

	Email       string
	observations map[string]*ipRecord
	recent      *ringBuffer

	triggerTimes   []time.Time
	violatorSince  time.Time
	banlistedSince time.Time
	stage          Stage
}

func newUserState(email string, recentCapacity int) *UserState {
	return &UserState{
		Email:        email,
		observations: make(map[string]*ipRecord),
		recent:       newRingBuffer(recentCapacity),
		stage:        StageClean,
	}
}

// RecentRequests returns the last limit (or all, if limit<=0) observations
// for this user, newest first.
func (u *UserState) RecentRequests(limit int) []*Observation {
	return u.recent.list(0, limit)
}

// Stage returns the user's current classifier-derived stage.
func (u *UserState) Stage() Stage {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.stage
}

// SetStage sets the user's stage. When s is StageBanlisted and at is
// non-zero, banlistedSince is recorded the first time (sticky — see
// invariant 5: re-promoting an already-banlisted user only updates the
// last-seen timestamp, tracked separately via Classifier.promoteToBanlist's
// Persist.Upsert call, not here).
func (u *UserState) SetStage(s Stage, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stage = s
	if s == StageBanlisted && !at.IsZero() && u.banlistedSince.IsZero() {
		u.banlistedSince = at
	}
}

// ViolatorSince returns the timestamp the user entered violator stage in
// the current continuous run, or the zero Time if unset.
func (u *UserState) ViolatorSince() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.violatorSince
}

// SetViolatorSince records the timestamp a user first entered violator
// stage in the current continuous run.
func (u *UserState) SetViolatorSince(t time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.violatorSince = t
}

// ClearViolatorSince resets violator_since, used both on a clean clear and
// (without affecting banlistedSince) on the admin banlist-clear path.
func (u *UserState) ClearViolatorSince() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.violatorSince = time.Time{}
}

// BanlistedSince returns the timestamp the user was first promoted to the
// banlist, or the zero Time if unset.
func (u *UserState) BanlistedSince() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.banlistedSince
}

// AppendTrigger records one concurrent-window overflow observation.
func (u *UserState) AppendTrigger(t time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.triggerTimes = append(u.triggerTimes, t)
}

// PruneTriggers discards trigger timestamps older than period, measured
// back from now — invariant 2: trigger_times holds only timestamps in
// (now - TRIGGER_PERIOD, now].
func (u *UserState) PruneTriggers(now time.Time, period time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	cutoff := now.Add(-period)
	kept := u.triggerTimes[:0]
	for _, t := range u.triggerTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	u.triggerTimes = kept
}

// TriggerCount returns the number of currently-retained trigger timestamps.
func (u *UserState) TriggerCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.triggerTimes)
}

// ClearTriggers empties trigger_times, used on the clean-on-sub-limit path.
func (u *UserState) ClearTriggers() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.triggerTimes = nil
}

// ObservationCount returns the number of distinct IPs currently tracked
// for this user (before any window filtering).
func (u *UserState) ObservationCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.observations)
}

// IPObservation is a point-in-time snapshot of one distinct observed IP,
// exported for detail views (the tracker's own ipRecord stays unexported).
type IPObservation struct {
	IP       string
	LastSeen time.Time
	NodeID   string
}

// Observations returns a snapshot of every currently tracked IP
// observation for this user, per the /api/user/{email} detail contract.
func (u *UserState) Observations() []IPObservation {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]IPObservation, 0, len(u.observations))
	for _, rec := range u.observations {
		out = append(out, IPObservation{IP: rec.IP, LastSeen: rec.LastSeen, NodeID: rec.NodeID})
	}
	return out
}

// TriggerTimes returns a snapshot of the currently retained trigger
// timestamps, for the detail view's trigger history.
func (u *UserState) TriggerTimes() []time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]time.Time(nil), u.triggerTimes...)
}

// Tracker owns the full set of UserStates and the derived shared-IP index.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*UserState

	sharedMu sync.RWMutex
	sharedIP map[string]map[string]struct{} // ip -> set(email)

	recentCapacity int
	retention      time.Duration
}

// New creates a Tracker. recentCapacity bounds each user's recent_requests
// ring (R in spec terms); retention bounds observation age before pruning.
func New(recentCapacity int, retention time.Duration) *Tracker {
	return &Tracker{
		users:          make(map[string]*UserState),
		sharedIP:       make(map[string]map[string]struct{}),
		recentCapacity: recentCapacity,
		retention:      retention,
	}
}

// Record upserts an IP observation for a user and appends it to their
// recent_requests ring. It creates the UserState on first observation.
func (t *Tracker) Record(email string, o Observation) {
	u := t.getOrCreate(email)

	u.mu.Lock()
	rec, existed := u.observations[o.IP]
	if !existed {
		rec = &ipRecord{IP: o.IP}
		u.observations[o.IP] = rec
	}
	rec.LastSeen = o.ObservedAt
	rec.NodeID = o.NodeID
	u.mu.Unlock()

	u.recent.add(&o)

	t.sharedMu.Lock()
	set, ok := t.sharedIP[o.IP]
	if !ok {
		set = make(map[string]struct{})
		t.sharedIP[o.IP] = set
	}
	set[email] = struct{}{}
	t.sharedMu.Unlock()
}

func (t *Tracker) getOrCreate(email string) *UserState {
	t.mu.RLock()
	u, ok := t.users[email]
	t.mu.RUnlock()
	if ok {
		return u
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[email]; ok {
		return u
	}
	u = newUserState(email, t.recentCapacity)
	t.users[email] = u
	return u
}

// Get returns the UserState for an email if one exists, without creating it.
func (t *Tracker) Get(email string) (*UserState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[email]
	return u, ok
}

// Ensure returns the UserState for an email, creating an empty one if the
// user has never been observed. Used by the classifier to drive whitelist/
// unlimited flips even with zero recent activity.
func (t *Tracker) Ensure(email string) *UserState {
	return t.getOrCreate(email)
}

// Emails returns every currently tracked email.
func (t *Tracker) Emails() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.users))
	for e := range t.users {
		out = append(out, e)
	}
	return out
}

// RecentIPs returns the set of IPs observed for a user within the given
// window, measured back from now.
func (t *Tracker) RecentIPs(email string, window time.Duration, now time.Time) map[string]struct{} {
	u, ok := t.Get(email)
	if !ok {
		return map[string]struct{}{}
	}

	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make(map[string]struct{}, len(u.observations))
	cutoff := now.Add(-window)
	for ip, rec := range u.observations {
		if window == 0 {
			if rec.LastSeen.Equal(now) {
				out[ip] = struct{}{}
			}
			continue
		}
		if !rec.LastSeen.Before(cutoff) {
			out[ip] = struct{}{}
		}
	}
	return out
}

// Prune removes observations older than retention from every user, and
// evicts UserStates that have no observations left and are not in violator
// or banlisted stage.
func (t *Tracker) Prune(now time.Time) {
	cutoff := now.Add(-t.retention)

	t.mu.Lock()
	emails := make([]string, 0, len(t.users))
	for e := range t.users {
		emails = append(emails, e)
	}
	t.mu.Unlock()

	for _, email := range emails {
		u, ok := t.Get(email)
		if !ok {
			continue
		}

		u.mu.Lock()
		for ip, rec := range u.observations {
			if rec.LastSeen.Before(cutoff) {
				delete(u.observations, ip)
			}
		}
		empty := len(u.observations) == 0
		stage := u.stage
		u.mu.Unlock()

		if empty && stage != StageViolator && stage != StageBanlisted {
			t.mu.Lock()
			delete(t.users, email)
			t.mu.Unlock()
		}
	}

	t.pruneSharedIPs(cutoff)
}

// pruneSharedIPs rebuilds the inverted index by dropping stale per-user IP
// memberships. It is a derived projection (see design notes) so it is safe
// to recompute wholesale on each prune tick rather than track deletions
// precisely.
func (t *Tracker) pruneSharedIPs(cutoff time.Time) {
	t.mu.RLock()
	users := make(map[string]*UserState, len(t.users))
	for e, u := range t.users {
		users[e] = u
	}
	t.mu.RUnlock()

	fresh := make(map[string]map[string]struct{})
	for email, u := range users {
		u.mu.RLock()
		for ip, rec := range u.observations {
			if rec.LastSeen.Before(cutoff) {
				continue
			}
			set, ok := fresh[ip]
			if !ok {
				set = make(map[string]struct{})
				fresh[ip] = set
			}
			set[email] = struct{}{}
		}
		u.mu.RUnlock()
	}

	t.sharedMu.Lock()
	t.sharedIP = fresh
	t.sharedMu.Unlock()
}

// SharedIPs returns every IP currently used by more than one email within
// the retention window.
func (t *Tracker) SharedIPs() map[string][]string {
	t.sharedMu.RLock()
	defer t.sharedMu.RUnlock()

	out := make(map[string][]string)
	for ip, set := range t.sharedIP {
		if len(set) < 2 {
			continue
		}
		emails := make([]string, 0, len(set))
		for e := range set {
			emails = append(emails, e)
		}
		out[ip] = emails
	}
	return out
}
