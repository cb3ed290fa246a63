// Package ingest accepts long-lived TCP connections from collectors and
// turns newline-delimited "NODE_NAME|<log_line>" records into events for
// the tracker, tagging each with the originating node for the nodes view.
package ingest

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fxshare/detectord/internal/logline"
)

// MaxLineBytes bounds a single record; records larger than this are
// rejected with RejectOversize and the connection is closed.
const MaxLineBytes = logline.MaxLineBytes

// Sink receives parsed events and per-reject counts. Implemented by the
// tracker/classifier wiring in cmd/detectord.
type Sink interface {
	Record(ev *logline.Event, rawLine string)
	RejectParse(reason logline.RejectReason)
}

// Server accepts collector connections on a single listener.
type Server struct {
	addr        string
	idleTimeout time.Duration
	parser      *logline.Parser
	sink        Sink
	log         zerolog.Logger

	mu    sync.RWMutex
	nodes map[string]time.Time // node_id -> last_seen, while connected

	listener net.Listener
	wg       sync.WaitGroup
}

// New creates an ingest Server. idleTimeout is the per-connection read
// deadline; a connection that produces no record within it is closed.
func New(addr string, idleTimeout time.Duration, parser *logline.Parser, sink Sink, log zerolog.Logger) *Server {
	return &Server{
		addr:        addr,
		idleTimeout: idleTimeout,
		parser:      parser,
		sink:        sink,
		log:         log.With().Str("component", "ingest").Logger(),
		nodes:       make(map[string]time.Time),
	}
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound; the accept loop keeps running in the
// background until Stop closes the listener.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", s.addr).Msg("ingest listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := s.log.With().Str("remote", remote).Logger()
	log.Debug().Msg("collector connected")

	var currentNode string
	defer func() {
		if currentNode != "" {
			s.untrackNode(currentNode)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if err == bufio.ErrTooLong {
					s.sink.RejectParse(logline.RejectOversize)
					log.Debug().Msg("record exceeded max line size, closing connection")
				} else {
					log.Debug().Err(err).Msg("collector read ended")
				}
			}
			return
		}

		line := scanner.Text()
		nodeID, raw, ok := splitRecord(line)
		if !ok {
			s.sink.RejectParse(logline.RejectMalformed)
			continue
		}

		if nodeID != currentNode {
			if currentNode != "" {
				s.untrackNode(currentNode)
			}
			currentNode = nodeID
		}
		s.trackNode(nodeID)

		now := time.Now()
		ev, reason := s.parser.Parse(nodeID, raw, now)
		if ev == nil {
			s.sink.RejectParse(reason)
			continue
		}

		s.sink.Record(ev, raw)
	}
}

// splitRecord splits "NODE_NAME|<log_line>" on the first '|'. Oversize
// records are caught upstream by the scanner's bounded buffer, which
// returns bufio.ErrTooLong from Scan — handled as a connection close.
func splitRecord(line string) (nodeID, raw string, ok bool) {
	idx := strings.IndexByte(line, '|')
	if idx < 0 {
		return "", "", false
	}
	nodeID = line[:idx]
	if nodeID == "" || !validNodeID(nodeID) {
		return "", "", false
	}
	return nodeID, line[idx+1:], true
}

func validNodeID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func (s *Server) trackNode(nodeID string) {
	s.mu.Lock()
	s.nodes[nodeID] = time.Now()
	s.mu.Unlock()
}

func (s *Server) untrackNode(nodeID string) {
	s.mu.Lock()
	delete(s.nodes, nodeID)
	s.mu.Unlock()
}

// ConnectedNodes returns the node_ids with an open connection.
func (s *Server) ConnectedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	return out
}
