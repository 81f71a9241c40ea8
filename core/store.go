package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	rxerrors "rxledger/core/errors"
	"rxledger/core/types"
)

// Store is the local cache of channel state: the authoritative source for
// dispense counts and the lagging mirror of ledger status. All maps live
// behind one mutex; every cross-request mutation of a channel goes through
// it. Channels are never deleted.
type Store struct {
	mu        sync.RWMutex
	channels  map[string]*types.Channel
	events    map[string][]types.Event
	sensitive map[string]*types.SensitiveRecord
	nonces    map[string]int64 // nonce -> consumption unix ms
	dirty     func()
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		channels:  make(map[string]*types.Channel),
		events:    make(map[string][]types.Event),
		sensitive: make(map[string]*types.SensitiveRecord),
		nonces:    make(map[string]int64),
		now:       time.Now,
	}
}

// SetDirtyHook wires the persistence layer's markDirty callback.
func (s *Store) SetDirtyHook(hook func()) {
	s.mu.Lock()
	s.dirty = hook
	s.mu.Unlock()
}

func (s *Store) markDirtyLocked() {
	if s.dirty != nil {
		s.dirty()
	}
}

// MarkDirty flags the store for the next persistence snapshot.
func (s *Store) MarkDirty() {
	s.mu.RLock()
	hook := s.dirty
	s.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

// GetChannel returns a copy of the channel.
func (s *Store) GetChannel(topicID string) (types.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[topicID]
	if !ok {
		return types.Channel{}, false
	}
	return *ch, true
}

// PutChannel inserts or replaces a channel entry directly. Normal lifecycle
// mutations go through ApplyEvent; this exists for restore and repair paths.
func (s *Store) PutChannel(ch types.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := ch
	s.channels[ch.ID] = &copied
	s.markDirtyLocked()
}

// Head returns the channel's last event hash and type.
func (s *Store) Head(topicID string) (string, types.EventType) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[topicID]
	if !ok {
		return "", ""
	}
	return ch.LastEventHash, ch.LastEventType
}

// Events returns the channel's cached event payloads in submission order.
func (s *Store) Events(topicID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Event(nil), s.events[topicID]...)
}

// TopicIDs lists every tracked channel id, sorted for deterministic
// reconciliation sweeps.
func (s *Store) TopicIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetStatus overwrites the cached channel status. Used by reconciliation to
// adopt the ledger's authoritative view; it deliberately does not touch the
// dispense count, which only the locked dispense path mutates.
func (s *Store) SetStatus(topicID string, status types.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topicID]
	if !ok {
		return false
	}
	if ch.Status == status {
		return false
	}
	ch.Status = status
	ch.UpdatedAt = s.now().UnixMilli()
	s.markDirtyLocked()
	return true
}

// ValidateShape rejects malformed events before any signing or submission.
func ValidateShape(ev types.Event) error {
	switch {
	case ev.Version != types.EventVersion:
		return fmt.Errorf("%w: unsupported version %d", rxerrors.ErrValidation, ev.Version)
	case !ev.EventType.Valid():
		return fmt.Errorf("%w: unknown event type %q", rxerrors.ErrValidation, ev.EventType)
	case ev.TopicID == "":
		return fmt.Errorf("%w: missing topic id", rxerrors.ErrValidation)
	case ev.Nonce == "":
		return fmt.Errorf("%w: missing nonce", rxerrors.ErrValidation)
	case ev.ActorIDHash == "":
		return fmt.Errorf("%w: missing actor id hash", rxerrors.ErrValidation)
	case ev.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", rxerrors.ErrValidation)
	}
	return nil
}

func terminal(ch *types.Channel) bool {
	if ch.Status == types.StatusCancelled {
		return true
	}
	return ch.Status == types.StatusDispensed && ch.MaxDispenses > 0 && ch.DispenseCount >= ch.MaxDispenses
}

// ApplyEvent folds a fully built event into the cache: replay guard, head
// check, status machine, dispense counting. It is the single mutation point
// for channel state. Returns the updated channel.
func (s *Store) ApplyEvent(ev types.Event) (types.Channel, error) {
	if err := ValidateShape(ev); err != nil {
		return types.Channel{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.nonces[ev.Nonce]; seen {
		return types.Channel{}, fmt.Errorf("%w: nonce %q", rxerrors.ErrReplayDetected, ev.Nonce)
	}

	ch, exists := s.channels[ev.TopicID]
	if ev.EventType == types.EventIssued {
		if exists {
			return types.Channel{}, fmt.Errorf("%w: %s", rxerrors.ErrChannelExists, ev.TopicID)
		}
		if ev.PrevEventHash != "" {
			return types.Channel{}, fmt.Errorf("%w: issue event must start the chain", rxerrors.ErrValidation)
		}
		ch = &types.Channel{
			ID:           ev.TopicID,
			Degraded:     types.IsDegradedID(ev.TopicID),
			Status:       types.StatusIssued,
			MaxDispenses: ev.MaxDispenses,
			GeoTag:       ev.GeoTag,
			DrugIDs:      append([]string(nil), ev.DrugIDs...),
			ValidUntil:   ev.ValidUntil,
			CreatedAt:    ev.Timestamp,
		}
		return s.commitLocked(ch, ev)
	}

	if !exists {
		return types.Channel{}, fmt.Errorf("%w: %s", rxerrors.ErrChannelNotFound, ev.TopicID)
	}
	if ev.PrevEventHash != ch.LastEventHash {
		return types.Channel{}, fmt.Errorf("%w: built against %q, head is %q",
			rxerrors.ErrStaleHead, ev.PrevEventHash, ch.LastEventHash)
	}

	switch ev.EventType {
	case types.EventVerified, types.EventPaid, types.EventDispensed:
		if ch.ValidUntil > 0 && ev.Timestamp > ch.ValidUntil {
			return types.Channel{}, fmt.Errorf("%w: %s", rxerrors.ErrChannelExpired, ev.TopicID)
		}
	}

	switch ev.EventType {
	case types.EventVerified:
		if !types.CanTransition(ch.Status, types.StatusVerified) {
			return types.Channel{}, transitionErr(ch.Status, types.StatusVerified)
		}
		ch.Status = types.StatusVerified
	case types.EventPaid:
		if !types.CanTransition(ch.Status, types.StatusPaid) {
			return types.Channel{}, transitionErr(ch.Status, types.StatusPaid)
		}
		ch.Status = types.StatusPaid
	case types.EventDispensed:
		if ch.MaxDispenses > 0 && ch.DispenseCount >= ch.MaxDispenses {
			return types.Channel{}, fmt.Errorf("%w (%d/%d)",
				rxerrors.ErrFullyDispensed, ch.DispenseCount, ch.MaxDispenses)
		}
		if !types.CanTransition(ch.Status, types.StatusDispensed) {
			return types.Channel{}, transitionErr(ch.Status, types.StatusDispensed)
		}
		if ev.DispenseCount == nil || *ev.DispenseCount != ch.DispenseCount+1 {
			return types.Channel{}, fmt.Errorf("%w: dispense count out of sequence", rxerrors.ErrValidation)
		}
		ch.Status = types.StatusDispensed
		ch.DispenseCount++
	case types.EventCancelled:
		if terminal(ch) {
			return types.Channel{}, transitionErr(ch.Status, types.StatusCancelled)
		}
		ch.Status = types.StatusCancelled
	case types.EventAmended:
		// Amendment annotates the trail without changing status.
		if terminal(ch) {
			return types.Channel{}, fmt.Errorf("%w: cannot amend a terminal channel", rxerrors.ErrInvalidTransition)
		}
	}
	return s.commitLocked(ch, ev)
}

func transitionErr(from, to types.Status) error {
	return fmt.Errorf("%w: %s -> %s", rxerrors.ErrInvalidTransition, from, to)
}

func (s *Store) commitLocked(ch *types.Channel, ev types.Event) (types.Channel, error) {
	s.nonces[ev.Nonce] = s.now().UnixMilli()
	ch.LastEventHash = ev.ContentHash
	ch.LastEventType = ev.EventType
	ch.UpdatedAt = ev.Timestamp
	s.channels[ch.ID] = ch
	s.events[ch.ID] = append(s.events[ch.ID], ev)
	s.markDirtyLocked()
	return *ch, nil
}

// UpdateSensitive mutates the channel's sensitive side table entry in place,
// creating it on first use. Sensitive data never leaves the store toward the
// ledger gateway.
func (s *Store) UpdateSensitive(topicID string, mutate func(*types.SensitiveRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sensitive[topicID]
	if !ok {
		rec = &types.SensitiveRecord{TopicID: topicID}
		s.sensitive[topicID] = rec
	}
	mutate(rec)
	s.markDirtyLocked()
}

// Sensitive returns a copy of the channel's sensitive record.
func (s *Store) Sensitive(topicID string) (types.SensitiveRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sensitive[topicID]
	if !ok {
		return types.SensitiveRecord{}, false
	}
	return *rec, true
}

// RebindChannel moves a degraded channel under its real ledger-issued id
// after reconciliation repaired it. The event payload cache and sensitive
// record follow; the old placeholder id is freed for lookups but the events
// keep their original topic id for audit fidelity.
func (s *Store) RebindChannel(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", rxerrors.ErrChannelNotFound, oldID)
	}
	if _, taken := s.channels[newID]; taken {
		return fmt.Errorf("%w: %s", rxerrors.ErrChannelExists, newID)
	}
	delete(s.channels, oldID)
	ch.ID = newID
	ch.Degraded = false
	ch.UpdatedAt = s.now().UnixMilli()
	s.channels[newID] = ch
	if evs, ok := s.events[oldID]; ok {
		delete(s.events, oldID)
		s.events[newID] = evs
	}
	if rec, ok := s.sensitive[oldID]; ok {
		delete(s.sensitive, oldID)
		rec.TopicID = newID
		s.sensitive[newID] = rec
	}
	s.markDirtyLocked()
	return nil
}

// EvictNonces drops nonces consumed before the cutoff, bounding the replay
// set. The retention horizon must exceed the longest channel validity
// window. Returns the number evicted.
func (s *Store) EvictNonces(before time.Time) int {
	cutoff := before.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for nonce, consumedAt := range s.nonces {
		if consumedAt < cutoff {
			delete(s.nonces, nonce)
			evicted++
		}
	}
	if evicted > 0 {
		s.markDirtyLocked()
	}
	return evicted
}

type storeSnapshot struct {
	Channels  map[string]*types.Channel         `json:"channels"`
	Events    map[string][]types.Event          `json:"events"`
	Sensitive map[string]*types.SensitiveRecord `json:"sensitive"`
	Nonces    map[string]int64                  `json:"nonces"`
}

// Snapshot serializes every map for the persistence layer.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(storeSnapshot{
		Channels:  s.channels,
		Events:    s.events,
		Sensitive: s.sensitive,
		Nonces:    s.nonces,
	})
}

// Restore replaces the maps from a snapshot taken by Snapshot.
func (s *Store) Restore(data []byte) error {
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: restore snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Channels != nil {
		s.channels = snap.Channels
	}
	if snap.Events != nil {
		s.events = snap.Events
	}
	if snap.Sensitive != nil {
		s.sensitive = snap.Sensitive
	}
	if snap.Nonces != nil {
		s.nonces = snap.Nonces
	}
	return nil
}
