package ingest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxshare/detectord/internal/logline"
)

type recordedEvent struct {
	email, ip, nodeID string
}

type fakeSink struct {
	mu      sync.Mutex
	events  []recordedEvent
	rejects []logline.RejectReason
}

func (f *fakeSink) Record(ev *logline.Event, rawLine string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{ev.Email, ev.SourceIP, ev.NodeID})
}

func (f *fakeSink) RejectParse(reason logline.RejectReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, reason)
}

func (f *fakeSink) snapshot() ([]recordedEvent, []logline.RejectReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...), append([]logline.RejectReason(nil), f.rejects...)
}

func startTestServer(t *testing.T, sink Sink) (*Server, func()) {
	t.Helper()
	s := New("127.0.0.1:0", 2*time.Second, logline.New(false), sink, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln
	s.log = zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return s, func() {
		cancel()
		ln.Close()
		s.wg.Wait()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRecord_ValidLineParsedAndTagged(t *testing.T) {
	sink := &fakeSink{}
	s, stop := startTestServer(t, sink)
	defer stop()

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("edge-1|from 1.2.3.4:5555 ACCEPT tcp:example.com:443 email: alice@x\n"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		events, _ := sink.snapshot()
		return len(events) == 1
	})

	events, _ := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "alice@x", events[0].email)
	assert.Equal(t, "edge-1", events[0].nodeID)
}

func TestRecord_MalformedRecordMissingPipe(t *testing.T) {
	sink := &fakeSink{}
	s, stop := startTestServer(t, sink)
	defer stop()

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("no-pipe-here\n"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, rejects := sink.snapshot()
		return len(rejects) == 1
	})

	_, rejects := sink.snapshot()
	assert.Equal(t, logline.RejectMalformed, rejects[0])
}

func TestRecord_OversizeClosesConnection(t *testing.T) {
	sink := &fakeSink{}
	s, stop := startTestServer(t, sink)
	defer stop()

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	huge := make([]byte, MaxLineBytes+1024)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err = conn.Write(append([]byte("edge-1|"), huge...))
	require.NoError(t, err)
	conn.Write([]byte("\n"))

	waitFor(t, func() bool {
		_, rejects := sink.snapshot()
		return len(rejects) == 1
	})

	_, rejects := sink.snapshot()
	assert.Equal(t, logline.RejectOversize, rejects[0])
}

func TestConnectedNodes_TracksWhileOpen(t *testing.T) {
	sink := &fakeSink{}
	s, stop := startTestServer(t, sink)
	defer stop()

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)

	_, err = conn.Write([]byte("edge-7|bad line no email\n"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		for _, n := range s.ConnectedNodes() {
			if n == "edge-7" {
				return true
			}
		}
		return false
	})

	conn.Close()

	waitFor(t, func() bool {
		return len(s.ConnectedNodes()) == 0
	})
}

func TestSplitRecord(t *testing.T) {
	node, raw, ok := splitRecord("edge-1|hello world")
	require.True(t, ok)
	assert.Equal(t, "edge-1", node)
	assert.Equal(t, "hello world", raw)

	_, _, ok = splitRecord("no-delimiter")
	assert.False(t, ok)

	_, _, ok = splitRecord("|missing node")
	assert.False(t, ok)
}
