package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rxledger/compress"
	"rxledger/config"
	rxerrors "rxledger/core/errors"
	"rxledger/core/types"
	rxcrypto "rxledger/crypto"
	"rxledger/fraud"
	"rxledger/observability/metrics"
)

// Receipt is the gateway's acknowledgement of a submission.
type Receipt struct {
	Status  string `json:"status"`
	TopicID string `json:"topicId"`
}

// Gateway is the narrow interface to the external consensus/audit service.
type Gateway interface {
	CreateChannel(ctx context.Context, memo string) (string, error)
	Submit(ctx context.Context, topicID string, payload []byte) (Receipt, error)
	QueryStatus(ctx context.Context, topicID string) (string, error)
}

// AuditEntry is one row of the local append-only audit trail.
type AuditEntry struct {
	TopicID       string
	EventType     types.EventType
	ContentHash   string
	PrevEventHash string
	KeyID         string
	Nonce         string
	LedgerStatus  string
	Degraded      bool
	SignatureOK   bool
	Note          string
	At            time.Time
}

// AuditSink records audit entries. Appending is best-effort: a failing sink
// must not fail the pipeline.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// ServiceConfig wires the service's collaborators. All dependencies are
// constructor-injected; nothing is resolved lazily.
type ServiceConfig struct {
	Store      *Store
	Gateway    Gateway
	Codec      *rxcrypto.Codec
	Compressor *compress.Compressor
	Locks      *LockTable
	Fraud      *fraud.Detector
	Audit      AuditSink
	Logger     *slog.Logger
	Policy     config.SignaturePolicy
	Now        func() time.Time
}

// Service drives the event pipeline: build an event against the channel
// head, hash, sign, compress, submit to the ledger, fold into the local
// cache, and append an audit row. Ledger failures are absorbed as warnings;
// validation and conflict failures propagate to the caller.
type Service struct {
	store      *Store
	gateway    Gateway
	codec      *rxcrypto.Codec
	compressor *compress.Compressor
	locks      *LockTable
	fraud      *fraud.Detector
	audit      AuditSink
	log        *slog.Logger
	policy     config.SignaturePolicy
	now        func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("core: service requires a store")
	case cfg.Gateway == nil:
		return nil, fmt.Errorf("core: service requires a gateway")
	case cfg.Codec == nil:
		return nil, fmt.Errorf("core: service requires a signature codec")
	case cfg.Compressor == nil:
		return nil, fmt.Errorf("core: service requires a compressor")
	case cfg.Locks == nil:
		return nil, fmt.Errorf("core: service requires a lock table")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == "" {
		policy = config.PolicyStrict
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		codec:      cfg.Codec,
		compressor: cfg.Compressor,
		locks:      cfg.Locks,
		fraud:      cfg.Fraud,
		audit:      cfg.Audit,
		log:        logger,
		policy:     policy,
		now:        now,
	}, nil
}

// Result reports the outcome of one pipeline run.
type Result struct {
	Event   types.Event
	Channel types.Channel
	Receipt Receipt
	// DegradedAudit is set when the ledger write failed and the event is
	// only recorded locally until reconciliation catches up.
	DegradedAudit bool
}

// IssueRequest opens a new prescription channel.
type IssueRequest struct {
	ActorID      string
	Memo         string
	DrugIDs      []string
	Medications  []string
	GeoTag       string
	MaxDispenses int
	ValidUntil   int64
}

// Issue creates the channel on the ledger (or a tagged degraded placeholder
// when the ledger is unreachable) and records the issue event.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Result, error) {
	if req.MaxDispenses < 1 {
		return Result{}, fmt.Errorf("%w: maxDispenses must be at least 1", rxerrors.ErrValidation)
	}
	if len(req.DrugIDs) == 0 {
		return Result{}, fmt.Errorf("%w: at least one drug id required", rxerrors.ErrValidation)
	}

	topicID, err := s.gateway.CreateChannel(ctx, req.Memo)
	if err != nil {
		topicID = types.DegradedIDPrefix + uuid.NewString()
		s.log.Warn("ledger channel creation failed, continuing with placeholder id",
			"topic", topicID, "err", err)
	}

	ev := types.Event{
		Version:      types.EventVersion,
		Algorithm:    types.Algorithm,
		EventType:    types.EventIssued,
		TopicID:      topicID,
		Timestamp:    s.now().UnixMilli(),
		SignerRole:   "doctor",
		ActorIDHash:  rxcrypto.ActorIDHash(req.ActorID),
		DrugIDs:      append([]string(nil), req.DrugIDs...),
		GeoTag:       fraud.Coarsen(req.GeoTag),
		ValidUntil:   req.ValidUntil,
		MaxDispenses: req.MaxDispenses,
	}
	res, err := s.commit(ctx, ev, req.ActorID)
	if err != nil {
		return Result{}, err
	}
	s.store.UpdateSensitive(topicID, func(rec *types.SensitiveRecord) {
		rec.Medications = append([]string(nil), req.Medications...)
		rec.PreciseGeoTag = req.GeoTag
	})
	return res, nil
}

// VerifyRequest confirms a prescription at a pharmacy.
type VerifyRequest struct {
	TopicID string
	ActorID string
	GeoTag  string
}

// Verify records the pharmacist's verification, attaching the geospatial
// plausibility result as non-fatal metadata.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	ch, ok := s.store.GetChannel(req.TopicID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", rxerrors.ErrChannelNotFound, req.TopicID)
	}
	ev := types.Event{
		Version:     types.EventVersion,
		Algorithm:   types.Algorithm,
		EventType:   types.EventVerified,
		TopicID:     req.TopicID,
		Timestamp:   s.now().UnixMilli(),
		SignerRole:  "pharmacist",
		ActorIDHash: rxcrypto.ActorIDHash(req.ActorID),
		GeoTag:      fraud.Coarsen(req.GeoTag),
		FraudAlert:  s.checkFraud(ch, req.GeoTag),
	}
	return s.commit(ctx, ev, req.ActorID)
}

// PayRequest settles the prescription.
type PayRequest struct {
	TopicID string
	ActorID string
	Amount  float64
}

// Pay records payment completion. Payment is caller-driven: whoever settles
// the payment invokes this with the final amount, there is no background
// completion timer.
func (s *Service) Pay(ctx context.Context, req PayRequest) (Result, error) {
	if req.Amount < 0 {
		return Result{}, fmt.Errorf("%w: negative amount", rxerrors.ErrValidation)
	}
	amount := req.Amount
	ev := types.Event{
		Version:     types.EventVersion,
		Algorithm:   types.Algorithm,
		EventType:   types.EventPaid,
		TopicID:     req.TopicID,
		Timestamp:   s.now().UnixMilli(),
		SignerRole:  "pharmacist",
		ActorIDHash: rxcrypto.ActorIDHash(req.ActorID),
		Amount:      &amount,
	}
	return s.commit(ctx, ev, req.ActorID)
}

// DispenseRequest fulfills one refill.
type DispenseRequest struct {
	TopicID  string
	ActorID  string
	GeoTag   string
	Items    []string
	Quantity float64
	Total    float64
}

// Dispense performs one locked dispense: the per-channel lock is the sole
// serialization point that keeps two concurrent requests from both reading
// count N and both committing N+1. A held lock is a hard conflict.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest) (Result, error) {
	if !s.locks.Acquire(req.TopicID, req.ActorID) {
		metrics.Ledger().ObserveLockConflict()
		return Result{}, fmt.Errorf("%w: %s", rxerrors.ErrLockConflict, req.TopicID)
	}
	defer s.locks.Release(req.TopicID, req.ActorID)

	ch, ok := s.store.GetChannel(req.TopicID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", rxerrors.ErrChannelNotFound, req.TopicID)
	}
	next := ch.DispenseCount + 1
	quantity := req.Quantity
	ev := types.Event{
		Version:       types.EventVersion,
		Algorithm:     types.Algorithm,
		EventType:     types.EventDispensed,
		TopicID:       req.TopicID,
		Timestamp:     s.now().UnixMilli(),
		SignerRole:    "pharmacist",
		ActorIDHash:   rxcrypto.ActorIDHash(req.ActorID),
		GeoTag:        fraud.Coarsen(req.GeoTag),
		Quantity:      &quantity,
		DispenseCount: &next,
		FraudAlert:    s.checkFraud(ch, req.GeoTag),
	}
	res, err := s.commit(ctx, ev, req.ActorID)
	if err != nil {
		return Result{}, err
	}
	// Itemized contents and totals are data-minimized into the side table,
	// never into the submitted payload.
	s.store.UpdateSensitive(req.TopicID, func(rec *types.SensitiveRecord) {
		rec.Dispenses = append(rec.Dispenses, types.DispenseRecord{
			At:    ev.Timestamp,
			Items: append([]string(nil), req.Items...),
			Total: req.Total,
		})
	})
	metrics.Ledger().ObserveDispense()
	return res, nil
}

// CancelRequest voids a prescription.
type CancelRequest struct {
	TopicID string
	ActorID string
	Role    string
	Reason  string
}

// Cancel appends a cancellation event. Prior ledger writes are never
// retracted; cancellation is itself an append.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (Result, error) {
	role := req.Role
	if role == "" {
		role = "doctor"
	}
	ev := types.Event{
		Version:     types.EventVersion,
		Algorithm:   types.Algorithm,
		EventType:   types.EventCancelled,
		TopicID:     req.TopicID,
		Timestamp:   s.now().UnixMilli(),
		SignerRole:  role,
		ActorIDHash: rxcrypto.ActorIDHash(req.ActorID),
		Memo:        req.Reason,
	}
	return s.commit(ctx, ev, req.ActorID)
}

// AmendRequest annotates a prescription without changing its status.
type AmendRequest struct {
	TopicID string
	ActorID string
	Memo    string
	DrugIDs []string
}

// Amend records a side annotation on the trail.
func (s *Service) Amend(ctx context.Context, req AmendRequest) (Result, error) {
	if req.Memo == "" && len(req.DrugIDs) == 0 {
		return Result{}, fmt.Errorf("%w: empty amendment", rxerrors.ErrValidation)
	}
	ev := types.Event{
		Version:     types.EventVersion,
		Algorithm:   types.Algorithm,
		EventType:   types.EventAmended,
		TopicID:     req.TopicID,
		Timestamp:   s.now().UnixMilli(),
		SignerRole:  "doctor",
		ActorIDHash: rxcrypto.ActorIDHash(req.ActorID),
		Memo:        req.Memo,
		DrugIDs:     append([]string(nil), req.DrugIDs...),
	}
	return s.commit(ctx, ev, req.ActorID)
}

func (s *Service) checkFraud(ch types.Channel, geoTag string) *types.FraudAlert {
	if s.fraud == nil || ch.GeoTag == "" || geoTag == "" {
		return nil
	}
	alert, err := s.fraud.Check(ch.GeoTag, geoTag)
	if err != nil {
		s.log.Warn("fraud check skipped", "topic", ch.ID, "err", err)
		return nil
	}
	if alert.Suspicious {
		s.log.Warn("suspicious dispense distance", "topic", ch.ID,
			"distanceKm", alert.DistanceKm, "reason", alert.Reason)
	}
	return alert
}

// commit runs the tail of the pipeline: chain, sign, compress, submit,
// apply, audit.
func (s *Service) commit(ctx context.Context, ev types.Event, actorID string) (Result, error) {
	head, _ := s.store.Head(ev.TopicID)
	ev.PrevEventHash = head
	ev.Nonce = uuid.NewString()

	// The key id is part of the hashed and signed body, so it must be in
	// place before either digest is computed.
	keyID, err := s.codec.KeyID(actorID)
	if err != nil {
		return Result{}, fmt.Errorf("core: resolve signing key: %w", err)
	}
	ev.KeyID = keyID

	if err := ValidateShape(ev); err != nil {
		return Result{}, err
	}
	contentHash, err := ContentHash(ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", rxerrors.ErrValidation, err)
	}
	ev.ContentHash = contentHash

	sig, _, err := s.codec.Sign(ev, actorID)
	if err != nil {
		return Result{}, fmt.Errorf("core: sign event: %w", err)
	}
	ev.Signature = sig

	wire, err := s.compressor.WireEncode(ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", rxerrors.ErrValidation, err)
	}

	res := Result{Event: ev}
	receipt, err := s.gateway.Submit(ctx, ev.TopicID, wire)
	if err != nil {
		// The local cache stays internally consistent even when the ledger
		// write is delayed or lost; the audit trail is temporarily
		// incomplete and reconciliation closes the gap.
		s.log.Warn("ledger submission failed, continuing with degraded audit trail",
			"topic", ev.TopicID, "type", ev.EventType, "err", err)
		res.DegradedAudit = true
		metrics.Ledger().ObserveSubmission(string(ev.EventType), "degraded")
	} else {
		res.Receipt = receipt
		metrics.Ledger().ObserveSubmission(string(ev.EventType), "ok")
	}

	ch, err := s.store.ApplyEvent(ev)
	if err != nil {
		if errors.Is(err, rxerrors.ErrReplayDetected) {
			metrics.Ledger().ObserveReplayRejected()
		}
		return Result{}, err
	}
	res.Channel = ch

	s.appendAudit(ctx, AuditEntry{
		TopicID:       ev.TopicID,
		EventType:     ev.EventType,
		ContentHash:   ev.ContentHash,
		PrevEventHash: ev.PrevEventHash,
		KeyID:         ev.KeyID,
		Nonce:         ev.Nonce,
		LedgerStatus:  res.Receipt.Status,
		Degraded:      res.DegradedAudit,
		SignatureOK:   true,
		At:            s.now(),
	})
	return res, nil
}

// Ingest folds an externally produced wire payload (QR/offline path) into
// the cache: decompress, verify the signature against the embedded key id
// under the configured policy, re-check the content hash, then apply.
func (s *Service) Ingest(ctx context.Context, wire []byte) (Result, error) {
	ev, err := s.compressor.WireDecode(wire)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", rxerrors.ErrValidation, err)
	}
	if err := ValidateShape(ev); err != nil {
		return Result{}, err
	}

	expected, err := ContentHash(ev)
	if err != nil || ev.ContentHash != expected {
		return Result{}, fmt.Errorf("%w: content hash mismatch", rxerrors.ErrValidation)
	}

	signatureOK := rxcrypto.VerifyByKeyID(ev, ev.Signature, ev.KeyID)
	note := ""
	if !signatureOK {
		metrics.Ledger().ObserveSignatureFailure(string(s.policy))
		if s.policy == config.PolicyStrict {
			return Result{}, fmt.Errorf("%w: key %s", rxerrors.ErrSignatureInvalid, ev.KeyID)
		}
		s.log.Warn("accepting event with failed signature under permissive policy",
			"topic", ev.TopicID, "type", ev.EventType, "keyId", ev.KeyID)
		note = "signature verification failed (permissive policy)"
	}

	ch, err := s.store.ApplyEvent(ev)
	if err != nil {
		if errors.Is(err, rxerrors.ErrReplayDetected) {
			metrics.Ledger().ObserveReplayRejected()
		}
		return Result{}, err
	}

	s.appendAudit(ctx, AuditEntry{
		TopicID:       ev.TopicID,
		EventType:     ev.EventType,
		ContentHash:   ev.ContentHash,
		PrevEventHash: ev.PrevEventHash,
		KeyID:         ev.KeyID,
		Nonce:         ev.Nonce,
		SignatureOK:   signatureOK,
		Note:          note,
		At:            s.now(),
	})
	return Result{Event: ev, Channel: ch}, nil
}

// ValidateChannel replays the channel's hash links and reports defects.
func (s *Service) ValidateChannel(topicID string) ([]ChainIssue, error) {
	events := s.store.Events(topicID)
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", rxerrors.ErrChannelNotFound, topicID)
	}
	return ValidateChain(events), nil
}

func (s *Service) appendAudit(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn("audit append failed", "topic", entry.TopicID, "err", err)
	}
}
