package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rxledger/compress"
	"rxledger/config"
	rxerrors "rxledger/core/errors"
	"rxledger/core/types"
	rxcrypto "rxledger/crypto"
	"rxledger/fraud"
)

type fakeGateway struct {
	mu          sync.Mutex
	nextID      int
	createErr   error
	submitErr   error
	submitDelay time.Duration
	statuses    map[string]string
	submissions map[string][][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses:    make(map[string]string),
		submissions: make(map[string][][]byte),
	}
}

func (g *fakeGateway) CreateChannel(ctx context.Context, memo string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.nextID++
	return fmt.Sprintf("chan-%04d", g.nextID), nil
}

func (g *fakeGateway) Submit(ctx context.Context, topicID string, payload []byte) (Receipt, error) {
	if g.submitDelay > 0 {
		time.Sleep(g.submitDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return Receipt{}, g.submitErr
	}
	g.submissions[topicID] = append(g.submissions[topicID], append([]byte(nil), payload...))
	return Receipt{Status: "accepted", TopicID: topicID}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, topicID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statuses[topicID], nil
}

type memSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memSink) Append(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memSink) all() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.entries...)
}

type fixture struct {
	service    *Service
	store      *Store
	gateway    *fakeGateway
	compressor *compress.Compressor
	audit      *memSink
}

func newFixture(t *testing.T, policy config.SignaturePolicy) *fixture {
	t.Helper()
	keys, err := rxcrypto.NewKeyManager([]byte("service-test-seed"))
	require.NoError(t, err)

	store := NewStore()
	gateway := newFakeGateway()
	compressor := compress.New()
	sink := &memSink{}

	service, err := NewService(ServiceConfig{
		Store:      store,
		Gateway:    gateway,
		Codec:      rxcrypto.NewCodec(keys),
		Compressor: compressor,
		Locks:      NewLockTable(time.Minute),
		Fraud:      fraud.NewDetector(300),
		Audit:      sink,
		Policy:     policy,
	})
	require.NoError(t, err)
	return &fixture{service: service, store: store, gateway: gateway, compressor: compressor, audit: sink}
}

func issueRequest() IssueRequest {
	return IssueRequest{
		ActorID:      "doctor-111",
		Memo:         "rx",
		DrugIDs:      []string{"drug-amoxicillin-500mg"},
		Medications:  []string{"Amoxicillin 500mg, 3x daily"},
		GeoTag:       "52.520008,13.404954",
		MaxDispenses: 2,
		ValidUntil:   time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	}
}

func TestIssuePipeline(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)

	require.Equal(t, types.StatusIssued, res.Channel.Status)
	require.False(t, res.DegradedAudit)
	require.Equal(t, "accepted", res.Receipt.Status)

	// The event is chained, hashed, and carries a verifiable signature.
	require.Empty(t, res.Event.PrevEventHash)
	require.True(t, strings.HasPrefix(res.Event.ContentHash, "sha256:"))
	require.True(t, rxcrypto.VerifyByKeyID(res.Event, res.Event.Signature, res.Event.KeyID))

	// The submitted payload decompresses back to the event.
	wires := f.gateway.submissions[res.Channel.ID]
	require.Len(t, wires, 1)
	restored, err := f.compressor.WireDecode(wires[0])
	require.NoError(t, err)
	require.Equal(t, res.Event, restored)

	// Sensitive data stayed local and out of the event.
	rec, ok := f.store.Sensitive(res.Channel.ID)
	require.True(t, ok)
	require.Equal(t, []string{"Amoxicillin 500mg, 3x daily"}, rec.Medications)
	require.Equal(t, "52.520008,13.404954", rec.PreciseGeoTag)
	require.Equal(t, "52.52,13.40", res.Event.GeoTag)

	require.Len(t, f.audit.all(), 1)
}

func TestCommittedEventHashCoversKeyID(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)
	require.NotEmpty(t, res.Event.KeyID)

	// Recomputing the hash over the stored event must reproduce it exactly.
	recomputed, err := ContentHash(res.Event)
	require.NoError(t, err)
	require.Equal(t, res.Event.ContentHash, recomputed)

	// The key id is part of the hashed body: removing it changes the digest.
	stripped := res.Event
	stripped.KeyID = ""
	altered, err := ContentHash(stripped)
	require.NoError(t, err)
	require.NotEqual(t, recomputed, altered)

	issues, err := f.service.ValidateChannel(res.Channel.ID)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestIssueDegradedFallback(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	f.gateway.createErr = errors.New("ledger unreachable")

	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)
	require.True(t, types.IsDegradedID(res.Channel.ID))
	require.True(t, res.Channel.Degraded)
}

func TestSubmitFailureAbsorbed(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	f.gateway.submitErr = errors.New("ledger write timeout")

	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)
	require.True(t, res.DegradedAudit)

	// The local cache is still internally consistent.
	ch, ok := f.store.GetChannel(res.Channel.ID)
	require.True(t, ok)
	require.Equal(t, types.StatusIssued, ch.Status)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Degraded)
}

func TestFullLifecycleScenario(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, issueRequest())
	require.NoError(t, err)
	topic := res.Channel.ID

	_, err = f.service.Verify(ctx, VerifyRequest{TopicID: topic, ActorID: "pharmacist-222", GeoTag: "52.52,13.41"})
	require.NoError(t, err)

	_, err = f.service.Pay(ctx, PayRequest{TopicID: topic, ActorID: "pharmacist-222", Amount: 23.95})
	require.NoError(t, err)

	first, err := f.service.Dispense(ctx, DispenseRequest{
		TopicID: topic, ActorID: "pharmacist-222", GeoTag: "52.52,13.41",
		Items: []string{"drug-amoxicillin-500mg"}, Quantity: 1, Total: 23.95,
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.Channel.DispenseCount)

	second, err := f.service.Dispense(ctx, DispenseRequest{
		TopicID: topic, ActorID: "pharmacist-222", GeoTag: "52.52,13.41", Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.Channel.DispenseCount)

	_, err = f.service.Dispense(ctx, DispenseRequest{
		TopicID: topic, ActorID: "pharmacist-222", GeoTag: "52.52,13.41", Quantity: 1,
	})
	require.ErrorIs(t, err, rxerrors.ErrFullyDispensed)
	require.Contains(t, err.Error(), "(2/2)")

	// Itemized dispenses landed in the side table only.
	rec, _ := f.store.Sensitive(topic)
	require.Len(t, rec.Dispenses, 2)
	require.Equal(t, []string{"drug-amoxicillin-500mg"}, rec.Dispenses[0].Items)

	// The whole trail chains cleanly.
	issues, err := f.service.ValidateChannel(topic)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestConcurrentDispenseLockConflict(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	f.gateway.submitDelay = 30 * time.Millisecond
	ctx := context.Background()

	res, err := f.service.Issue(ctx, issueRequest())
	require.NoError(t, err)
	topic := res.Channel.ID
	_, err = f.service.Verify(ctx, VerifyRequest{TopicID: topic, ActorID: "pharmacist-1", GeoTag: "52.52,13.41"})
	require.NoError(t, err)
	_, err = f.service.Pay(ctx, PayRequest{TopicID: topic, ActorID: "pharmacist-1", Amount: 10})
	require.NoError(t, err)

	start := make(chan struct{})
	results := make(chan error, 2)
	for _, actor := range []string{"pharmacist-1", "pharmacist-2"} {
		go func(actor string) {
			<-start
			_, err := f.service.Dispense(ctx, DispenseRequest{
				TopicID: topic, ActorID: actor, GeoTag: "52.52,13.41", Quantity: 1,
			})
			results <- err
		}(actor)
	}
	close(start)

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			successes++
		case errors.Is(err, rxerrors.ErrLockConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "exactly one dispense must win")
	require.Equal(t, 1, conflicts, "the loser must see a lock conflict")

	ch, _ := f.store.GetChannel(topic)
	require.Equal(t, 1, ch.DispenseCount)
}

func TestDispenseCountBoundedUnderContention(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, issueRequest()) // maxDispenses = 2
	require.NoError(t, err)
	topic := res.Channel.ID
	_, err = f.service.Verify(ctx, VerifyRequest{TopicID: topic, ActorID: "pharmacist-1", GeoTag: "52.52,13.41"})
	require.NoError(t, err)
	_, err = f.service.Pay(ctx, PayRequest{TopicID: topic, ActorID: "pharmacist-1", Amount: 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for worker := 0; worker < 4; worker++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				_, _ = f.service.Dispense(ctx, DispenseRequest{
					TopicID: topic,
					ActorID: fmt.Sprintf("pharmacist-%d", worker),
					GeoTag:  "52.52,13.41", Quantity: 1,
				})
			}(worker)
		}
		wg.Wait()
	}

	ch, _ := f.store.GetChannel(topic)
	require.LessOrEqual(t, ch.DispenseCount, 2)
}

func TestVerifyAttachesFraudAlert(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, issueRequest()) // issued in Berlin
	require.NoError(t, err)

	verified, err := f.service.Verify(ctx, VerifyRequest{
		TopicID: res.Channel.ID,
		ActorID: "pharmacist-222",
		GeoTag:  "48.137,11.575", // Munich, ~500 km away
	})
	require.NoError(t, err, "fraud suspicion must never block the operation")
	require.NotNil(t, verified.Event.FraudAlert)
	require.True(t, verified.Event.FraudAlert.Suspicious)
	require.NotEmpty(t, verified.Event.FraudAlert.Reason)
}

func TestIngestRoundTrip(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)

	// A second node sharing the dictionary ingests the wire payload.
	other := newFixture(t, config.PolicyStrict)
	otherService, err := NewService(ServiceConfig{
		Store:      other.store,
		Gateway:    other.gateway,
		Codec:      rxcrypto.NewCodec(mustKeys(t)),
		Compressor: f.compressor,
		Locks:      NewLockTable(time.Minute),
		Audit:      other.audit,
	})
	require.NoError(t, err)

	wire := f.gateway.submissions[res.Channel.ID][0]
	ingested, err := otherService.Ingest(context.Background(), wire)
	require.NoError(t, err)
	require.Equal(t, res.Event, ingested.Event)
	require.Equal(t, types.StatusIssued, ingested.Channel.Status)

	// Replaying the captured payload is rejected by the nonce guard.
	_, err = otherService.Ingest(context.Background(), wire)
	require.ErrorIs(t, err, rxerrors.ErrReplayDetected)
}

func mustKeys(t *testing.T) *rxcrypto.KeyManager {
	t.Helper()
	keys, err := rxcrypto.NewKeyManager([]byte("other-node-seed"))
	require.NoError(t, err)
	return keys
}

func tamperSignature(t *testing.T, f *fixture, ev types.Event) []byte {
	t.Helper()
	sig := []byte(ev.Signature)
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	ev.Signature = string(sig)
	wire, err := f.compressor.WireEncode(ev)
	require.NoError(t, err)
	return wire
}

func TestIngestStrictRejectsBadSignature(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)

	target := newFixture(t, config.PolicyStrict)
	service, err := NewService(ServiceConfig{
		Store:      target.store,
		Gateway:    target.gateway,
		Codec:      rxcrypto.NewCodec(mustKeys(t)),
		Compressor: f.compressor,
		Locks:      NewLockTable(time.Minute),
		Policy:     config.PolicyStrict,
	})
	require.NoError(t, err)

	_, err = service.Ingest(context.Background(), tamperSignature(t, f, res.Event))
	require.ErrorIs(t, err, rxerrors.ErrSignatureInvalid)
}

func TestIngestPermissiveAcceptsBadSignature(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)

	target := newFixture(t, config.PolicyPermissive)
	sink := &memSink{}
	service, err := NewService(ServiceConfig{
		Store:      target.store,
		Gateway:    target.gateway,
		Codec:      rxcrypto.NewCodec(mustKeys(t)),
		Compressor: f.compressor,
		Locks:      NewLockTable(time.Minute),
		Audit:      sink,
		Policy:     config.PolicyPermissive,
	})
	require.NoError(t, err)

	ingested, err := service.Ingest(context.Background(), tamperSignature(t, f, res.Event))
	require.NoError(t, err)
	require.Equal(t, types.StatusIssued, ingested.Channel.Status)

	entries := sink.all()
	require.Len(t, entries, 1)
	require.False(t, entries[0].SignatureOK)
	require.NotEmpty(t, entries[0].Note)
}

func TestIngestRejectsTamperedBody(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	res, err := f.service.Issue(context.Background(), issueRequest())
	require.NoError(t, err)

	ev := res.Event
	ev.MaxDispenses = 99 // tamper after signing
	wire, err := f.compressor.WireEncode(ev)
	require.NoError(t, err)

	target := newFixture(t, config.PolicyPermissive)
	service, err := NewService(ServiceConfig{
		Store:      target.store,
		Gateway:    target.gateway,
		Codec:      rxcrypto.NewCodec(mustKeys(t)),
		Compressor: f.compressor,
		Locks:      NewLockTable(time.Minute),
		Policy:     config.PolicyPermissive,
	})
	require.NoError(t, err)

	_, err = service.Ingest(context.Background(), wire)
	require.ErrorIs(t, err, rxerrors.ErrValidation)
}

func TestCancelStopsLifecycle(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, issueRequest())
	require.NoError(t, err)
	topic := res.Channel.ID

	cancelled, err := f.service.Cancel(ctx, CancelRequest{TopicID: topic, ActorID: "doctor-111", Reason: "misprescribed"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, cancelled.Channel.Status)

	_, err = f.service.Verify(ctx, VerifyRequest{TopicID: topic, ActorID: "pharmacist-222", GeoTag: "52.52,13.41"})
	require.ErrorIs(t, err, rxerrors.ErrInvalidTransition)
}

func TestAmendAnnotates(t *testing.T) {
	f := newFixture(t, config.PolicyStrict)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, issueRequest())
	require.NoError(t, err)

	amended, err := f.service.Amend(ctx, AmendRequest{
		TopicID: res.Channel.ID, ActorID: "doctor-111", Memo: "dosage clarified",
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusIssued, amended.Channel.Status)
	require.Equal(t, types.EventAmended, amended.Channel.LastEventType)
}
