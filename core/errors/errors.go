// Package errors defines the sentinel errors of the prescription event
// pipeline. Callers classify failures with errors.Is; transient ledger
// failures live in the ledger package as a wrapped type instead.
package errors

import stderrors "errors"

var (
	// ErrChannelNotFound is returned for operations on unknown channels.
	ErrChannelNotFound = stderrors.New("ledger: channel not found")
	// ErrChannelExists is returned when issuing over an existing channel id.
	ErrChannelExists = stderrors.New("ledger: channel already exists")
	// ErrInvalidTransition rejects an event that the channel status machine
	// does not permit.
	ErrInvalidTransition = stderrors.New("ledger: invalid status transition")
	// ErrChannelExpired rejects mutations past the channel's validUntil.
	ErrChannelExpired = stderrors.New("ledger: channel expired")
	// ErrFullyDispensed rejects a dispense beyond maxDispenses.
	ErrFullyDispensed = stderrors.New("ledger: fully dispensed")
	// ErrLockConflict is the hard reject for a dispense lock held by another
	// owner. Callers must surface it, never retry automatically.
	ErrLockConflict = stderrors.New("ledger: dispense lock held by another owner")
	// ErrReplayDetected rejects an event whose nonce was already consumed.
	ErrReplayDetected = stderrors.New("ledger: nonce already consumed")
	// ErrSignatureInvalid rejects an event whose signature does not verify
	// under the strict policy.
	ErrSignatureInvalid = stderrors.New("ledger: signature verification failed")
	// ErrStaleHead is returned when an event was built against a previous
	// event hash that is no longer the channel head. The builder lost a
	// concurrent race and must rebuild against the new head.
	ErrStaleHead = stderrors.New("ledger: prevEventHash does not match channel head")
	// ErrValidation rejects a malformed event shape before submission.
	ErrValidation = stderrors.New("ledger: invalid event")
)
