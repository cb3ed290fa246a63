// Package logline parses the access-log grammar collectors ship over the
// ingest wire protocol into typed events.
package logline

import (
	"net"
	"regexp"
	"strings"
	"time"
)

// RejectReason classifies why a line was not turned into an Event.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectEmpty     RejectReason = "REJECT_EMPTY"
	RejectNoEmail   RejectReason = "REJECT_NO_EMAIL"
	RejectMalformed RejectReason = "REJECT_MALFORMED"
	RejectOversize  RejectReason = "REJECT_OVERSIZE"
)

// Event is the result of successfully parsing one access-log line.
type Event struct {
	NodeID      string
	ObservedAt  time.Time
	SourceIP    string
	RawSourceIP string
	Email       string
	Protocol    string
	Destination string
	Action      string
}

// grammar: <timestamp> from <ip>:<port> <action> <proto>:<dst>:<port> [<tag>] email: <addr>
// Anchored on the literal tokens "from" and "email:" per the wire protocol's
// documented grammar; everything else is extracted positionally.
var lineRegex = regexp.MustCompile(
	`from\s+(\[[0-9a-fA-F:]+\]|\d{1,3}(?:\.\d{1,3}){3}):\d+\s+(\S+)\s+(\S+):([^:\s]+):(\d+).*?email:\s*(\S+)`,
)

// MaxLineBytes is the default per-record size ceiling before Parse would
// have received an oversize line; enforcement of this boundary lives in the
// ingest server (C5), which rejects the record before it ever reaches Parse.
const MaxLineBytes = 16 * 1024

// Parser parses access-log lines into Events. It carries no mutable state;
// the only configuration is whether to canonicalize source IPs into their
// containing subnet before counting.
type Parser struct {
	SubnetGrouping bool
}

// New creates a Parser with the given subnet-grouping behavior.
func New(subnetGrouping bool) *Parser {
	return &Parser{SubnetGrouping: subnetGrouping}
}

// Parse parses a single raw log line (already stripped of its NODE_NAME|
// framing) into an Event. observedAt should be the server's ingest wall
// clock, never a timestamp parsed out of the line itself.
func (p *Parser) Parse(nodeID, line string, observedAt time.Time) (*Event, RejectReason) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, RejectEmpty
	}
	if line[0] < 0x20 {
		return nil, RejectEmpty
	}

	m := lineRegex.FindStringSubmatch(line)
	if m == nil {
		if !strings.Contains(line, "email:") {
			return nil, RejectNoEmail
		}
		return nil, RejectMalformed
	}

	rawIP := strings.Trim(m[1], "[]")
	ip := net.ParseIP(rawIP)
	if ip == nil {
		return nil, RejectMalformed
	}

	email := strings.TrimSpace(m[6])
	if email == "" {
		return nil, RejectNoEmail
	}

	sourceIP := rawIP
	if p.SubnetGrouping {
		sourceIP = canonicalize(ip)
	}

	return &Event{
		NodeID:      nodeID,
		ObservedAt:  observedAt,
		SourceIP:    sourceIP,
		RawSourceIP: rawIP,
		Email:       email,
		Action:      m[2],
		Protocol:    m[3],
		Destination: m[3] + ":" + m[4] + ":" + m[5],
	}, RejectNone
}

// canonicalize reduces an IP to its /24 (IPv4) or /64 (IPv6) network,
// matching the SUBNET_GROUPING contract: the original IP is retained only
// in recent_requests, never in the counted observation key.
func canonicalize(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return v4.Mask(mask).String() + "/24"
	}
	mask := net.CIDRMask(64, 128)
	return ip.Mask(mask).String() + "/64"
}
