package types

import "strings"

// DegradedIDPrefix tags channel ids synthesized locally when the ledger was
// unreachable at creation time. Reconciliation repairs these.
const DegradedIDPrefix = "local:"

// IsDegradedID reports whether the id is a locally synthesized placeholder
// rather than a real ledger-issued channel id.
func IsDegradedID(id string) bool {
	return strings.HasPrefix(id, DegradedIDPrefix)
}

// Status is the coarse channel lifecycle state mirrored on the ledger.
type Status string

const (
	StatusIssued    Status = "issued"
	StatusVerified  Status = "verified"
	StatusPaid      Status = "paid"
	StatusDispensed Status = "dispensed"
	StatusCancelled Status = "cancelled"
	StatusAmended   Status = "amended"
)

// Valid reports whether s is a known channel status.
func (s Status) Valid() bool {
	switch s {
	case StatusIssued, StatusVerified, StatusPaid, StatusDispensed, StatusCancelled, StatusAmended:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusIssued:    {StatusVerified, StatusCancelled},
	StatusVerified:  {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusDispensed, StatusCancelled},
	StatusDispensed: {StatusDispensed, StatusCancelled},
}

// CanTransition reports whether a channel may move from one status to
// another. Cancelled is terminal; dispensed repeats until the refill count is
// exhausted, which the store enforces separately.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Channel is the locally cached view of one prescription's audit trail.
// Owned exclusively by the event store and never deleted.
type Channel struct {
	ID            string    `json:"id"`
	Degraded      bool      `json:"degraded,omitempty"`
	Status        Status    `json:"status"`
	LastEventHash string    `json:"lastEventHash,omitempty"`
	LastEventType EventType `json:"lastEventType,omitempty"`
	DispenseCount int       `json:"dispenseCount"`
	MaxDispenses  int       `json:"maxDispenses"`
	GeoTag        string    `json:"geoTag,omitempty"`
	DrugIDs       []string  `json:"drugIds,omitempty"`
	ValidUntil    int64     `json:"validUntil,omitempty"`
	CreatedAt     int64     `json:"createdAt"`
	UpdatedAt     int64     `json:"updatedAt"`
}

// DispenseRecord captures one fulfilled refill in the sensitive side table.
type DispenseRecord struct {
	At    int64    `json:"at"`
	Items []string `json:"items,omitempty"`
	Total float64  `json:"total"`
}

// SensitiveRecord holds per-channel data excluded from the public ledger for
// data minimization: the full medication list, the precise geotag, and the
// dispensed items/totals. Never handed to the ledger gateway.
type SensitiveRecord struct {
	TopicID       string           `json:"topicId"`
	Medications   []string         `json:"medications,omitempty"`
	PreciseGeoTag string           `json:"preciseGeoTag,omitempty"`
	Dispenses     []DispenseRecord `json:"dispenses,omitempty"`
}
