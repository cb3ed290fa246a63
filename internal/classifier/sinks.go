package classifier

import "time"

// BanlistRecord is the durable row backing one banlisted email.
type BanlistRecord struct {
	Email              string
	FirstBanlistedAt   time.Time
	LastSeenBanlistedAt time.Time
	ReasonSnapshot     string
}

// Persist is the optional durability capability for the banlist. Absence
// is represented by noopPersist, never by a nil check in the classifier.
type Persist interface {
	LoadAll() ([]BanlistRecord, error)
	Upsert(email string, now time.Time, reason string) error
	Delete(email string) error
	Clear() error
}

// Notify is the optional outbound-notification capability. id is a unique
// idempotency key the classifier stamps on every emitted event so a sink
// can de-duplicate retried or replayed deliveries of the same promotion.
type Notify interface {
	Send(id, message string) error
}

// Enrich is the optional IP-to-ISP lookup capability.
type Enrich interface {
	LookupISP(ip string) (string, bool)
}

type noopPersist struct{}

func (noopPersist) LoadAll() ([]BanlistRecord, error)              { return nil, nil }
func (noopPersist) Upsert(email string, now time.Time, reason string) error { return nil }
func (noopPersist) Delete(email string) error                     { return nil }
func (noopPersist) Clear() error                                  { return nil }

type noopNotify struct{}

func (noopNotify) Send(id, message string) error { return nil }

type noopEnrich struct{}

func (noopEnrich) LookupISP(ip string) (string, bool) { return "", false }

// EventKind identifies the domain event emitted by the classifier.
type EventKind string

const (
	EventViolatorOnset  EventKind = "ViolatorOnset"
	EventViolatorCleared EventKind = "ViolatorCleared"
	EventBanlistAdded   EventKind = "BanlistAdded"
	EventBanlistCleared EventKind = "BanlistCleared"
)

// Event is a domain event the classifier fans out to Notify and to any
// registered in-process observers (e.g. metrics).
type Event struct {
	ID          string
	Kind        EventKind
	Email       string
	ObservedIPs int
	Limit       int
	At          time.Time
}
