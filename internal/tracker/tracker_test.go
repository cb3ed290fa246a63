package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_CreatesUserState(t *testing.T) {
	tr := New(200, time.Hour)
	now := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.1", NodeID: "n1", ObservedAt: now})

	u, ok := tr.Get("alice@x")
	require.True(t, ok)
	assert.Equal(t, 1, u.ObservationCount())
}

func TestRecentIPs_WindowFiltering(t *testing.T) {
	tr := New(200, time.Hour)
	base := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: base})
	tr.Record("alice@x", Observation{IP: "10.0.0.2", ObservedAt: base.Add(3 * time.Second)})

	ips := tr.RecentIPs("alice@x", 2*time.Second, base.Add(3*time.Second))
	assert.Len(t, ips, 1)
	_, ok := ips["10.0.0.2"]
	assert.True(t, ok)
}

func TestRecentIPs_ZeroWindowExactInstantOnly(t *testing.T) {
	tr := New(200, time.Hour)
	now := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: now})
	tr.Record("alice@x", Observation{IP: "10.0.0.2", ObservedAt: now.Add(time.Millisecond)})

	ips := tr.RecentIPs("alice@x", 0, now)
	assert.Len(t, ips, 1)
}

func TestRecentIPs_UnknownUser(t *testing.T) {
	tr := New(200, time.Hour)
	ips := tr.RecentIPs("nobody@x", 2*time.Second, time.Now())
	assert.Empty(t, ips)
}

func TestPrune_RemovesStaleObservations(t *testing.T) {
	tr := New(200, time.Minute)
	base := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: base})
	tr.Record("alice@x", Observation{IP: "10.0.0.2", ObservedAt: base.Add(90 * time.Second)})
	tr.Prune(base.Add(2 * time.Minute))

	u, ok := tr.Get("alice@x")
	require.True(t, ok)
	assert.Equal(t, 1, u.ObservationCount())
	_, fresh := tr.RecentIPs("alice@x", time.Minute, base.Add(2*time.Minute))["10.0.0.2"]
	assert.True(t, fresh)
}

func TestPrune_EvictsCleanEmptyUser(t *testing.T) {
	tr := New(200, time.Minute)
	base := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: base})
	tr.Prune(base.Add(2 * time.Minute))

	_, ok := tr.Get("alice@x")
	assert.False(t, ok)
}

func TestPrune_RetainsBanlistedEmptyUser(t *testing.T) {
	tr := New(200, time.Minute)
	base := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: base})
	u, _ := tr.Get("alice@x")
	u.SetStage(StageBanlisted, base)

	tr.Prune(base.Add(2 * time.Hour))

	_, ok := tr.Get("alice@x")
	assert.True(t, ok, "banlisted user must survive observation expiry")
}

func TestSharedIPs(t *testing.T) {
	tr := New(200, time.Hour)
	now := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.9", ObservedAt: now})
	tr.Record("bob@x", Observation{IP: "10.0.0.9", ObservedAt: now})
	tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: now})

	shared := tr.SharedIPs()
	require.Contains(t, shared, "10.0.0.9")
	assert.ElementsMatch(t, []string{"alice@x", "bob@x"}, shared["10.0.0.9"])
	assert.NotContains(t, shared, "10.0.0.1")
}

func TestSharedIPs_PrunedOnExpiry(t *testing.T) {
	tr := New(200, time.Minute)
	base := time.Now()

	tr.Record("alice@x", Observation{IP: "10.0.0.9", ObservedAt: base})
	tr.Record("bob@x", Observation{IP: "10.0.0.9", ObservedAt: base})

	tr.Prune(base.Add(2 * time.Minute))

	shared := tr.SharedIPs()
	assert.NotContains(t, shared, "10.0.0.9")
}

func TestRecentRequests_RingBounded(t *testing.T) {
	tr := New(3, time.Hour)
	now := time.Now()

	for i := 0; i < 5; i++ {
		tr.Record("alice@x", Observation{IP: "10.0.0.1", ObservedAt: now.Add(time.Duration(i) * time.Second)})
	}

	u, _ := tr.Get("alice@x")
	recent := u.RecentRequests(0)
	assert.Len(t, recent, 3)
}

func TestEnsure_CreatesWithoutObservation(t *testing.T) {
	tr := New(200, time.Hour)
	u := tr.Ensure("alice@x")
	assert.Equal(t, "alice@x", u.Email)
	assert.Equal(t, 0, u.ObservationCount())
}
