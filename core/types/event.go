package types

// EventVersion is the current event envelope version.
const EventVersion = 1

// Algorithm tags the hash/signature suite used by every event.
const Algorithm = "secp256k1+sha256"

// EventType identifies a prescription lifecycle transition.
type EventType string

const (
	EventIssued    EventType = "issued"
	EventVerified  EventType = "verified"
	EventPaid      EventType = "paid"
	EventDispensed EventType = "dispensed"
	EventCancelled EventType = "cancelled"
	EventAmended   EventType = "amended"
)

// Valid reports whether the event type is part of the lifecycle vocabulary.
func (t EventType) Valid() bool {
	switch t {
	case EventIssued, EventVerified, EventPaid, EventDispensed, EventCancelled, EventAmended:
		return true
	}
	return false
}

// FraudAlert is the non-fatal geospatial plausibility result attached to
// verify and dispense events.
type FraudAlert struct {
	Suspicious bool    `json:"suspicious"`
	DistanceKm float64 `json:"distanceKm"`
	Reason     string  `json:"reason,omitempty"`
}

// Event is one signed, hash-chained lifecycle record. Immutable once signed:
// mutating any field invalidates ContentHash and Signature.
//
// Optional fields use pointers or omitempty so an absent field stays absent
// through compression and canonical serialization rather than degrading to a
// zero value.
type Event struct {
	Version       int         `json:"version"`
	Algorithm     string      `json:"algorithm"`
	EventType     EventType   `json:"eventType"`
	TopicID       string      `json:"topicId"`
	Timestamp     int64       `json:"timestamp"`
	SignerRole    string      `json:"signerRole"`
	ActorIDHash   string      `json:"actorIdHash"`
	DrugIDs       []string    `json:"drugIds,omitempty"`
	Items         []string    `json:"items,omitempty"`
	Quantity      *float64    `json:"quantity,omitempty"`
	Amount        *float64    `json:"amount,omitempty"`
	GeoTag        string      `json:"geoTag,omitempty"`
	ValidUntil    int64       `json:"validUntil,omitempty"`
	DispenseCount *int        `json:"dispenseCount,omitempty"`
	MaxDispenses  int         `json:"maxDispenses,omitempty"`
	FraudAlert    *FraudAlert `json:"fraudAlert,omitempty"`
	Memo          string      `json:"memo,omitempty"`
	PrevEventHash string      `json:"prevEventHash,omitempty"`
	Nonce         string      `json:"nonce"`
	ContentHash   string      `json:"contentHash,omitempty"`
	Signature     string      `json:"signature,omitempty"`
	KeyID         string      `json:"keyId,omitempty"`
}
