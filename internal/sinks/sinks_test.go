package sinks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_SendDeliversMessage(t *testing.T) {
	var received atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received.Store(payload.Message)
		w.WriteHeader(http.StatusOK)
		wg.Done()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, 8, zerolog.Nop())
	defer n.Stop()

	require.NoError(t, n.Send("evt-1", "alice@x was added to the banlist"))

	wg.Wait()
	assert.Equal(t, "alice@x was added to the banlist", received.Load())
}

func TestWebhookNotifier_FullQueueDropsWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	n := NewWebhookNotifier(srv.URL, time.Second, 1, zerolog.Nop())
	defer n.Stop()

	// First send occupies the single worker; remaining sends must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			require.NoError(t, n.Send("evt", "msg"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestISPEnricher_LookupISPCachesResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"isp": "Example ISP"})
	}))
	defer srv.Close()

	e := NewISPEnricher(srv.URL, time.Second, time.Hour, zerolog.Nop())

	isp, ok := e.LookupISP("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "Example ISP", isp)

	isp, ok = e.LookupISP("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "Example ISP", isp)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestISPEnricher_LookupISPFailureOmitsField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewISPEnricher(srv.URL, time.Second, time.Hour, zerolog.Nop())

	_, ok := e.LookupISP("1.2.3.4")
	assert.False(t, ok)
}
