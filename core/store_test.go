package core

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rxerrors "rxledger/core/errors"
	"rxledger/core/types"
)

func buildEvent(t *testing.T, s *Store, eventType types.EventType, topicID, nonce string, mutate func(*types.Event)) types.Event {
	t.Helper()
	head, _ := s.Head(topicID)
	ev := types.Event{
		Version:       types.EventVersion,
		Algorithm:     types.Algorithm,
		EventType:     eventType,
		TopicID:       topicID,
		Timestamp:     time.Now().UnixMilli(),
		SignerRole:    "doctor",
		ActorIDHash:   "sha256:actor",
		PrevEventHash: head,
		Nonce:         nonce,
	}
	if mutate != nil {
		mutate(&ev)
	}
	hash, err := ContentHash(ev)
	require.NoError(t, err)
	ev.ContentHash = hash
	return ev
}

func issueChannel(t *testing.T, s *Store, topicID string, maxDispenses int) {
	t.Helper()
	ev := buildEvent(t, s, types.EventIssued, topicID, "nonce-issue-"+topicID, func(ev *types.Event) {
		ev.MaxDispenses = maxDispenses
		ev.DrugIDs = []string{"drug-a"}
		ev.GeoTag = "52.52,13.40"
	})
	_, err := s.ApplyEvent(ev)
	require.NoError(t, err)
}

func advance(t *testing.T, s *Store, topicID string, eventType types.EventType, nonce string) {
	t.Helper()
	_, err := s.ApplyEvent(buildEvent(t, s, eventType, topicID, nonce, nil))
	require.NoError(t, err)
}

func TestIssueCreatesChannel(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 2)

	ch, ok := s.GetChannel("chan-1")
	require.True(t, ok)
	require.Equal(t, types.StatusIssued, ch.Status)
	require.Equal(t, 2, ch.MaxDispenses)
	require.Equal(t, types.EventIssued, ch.LastEventType)
	require.NotEmpty(t, ch.LastEventHash)
}

func TestIssueTwiceRejected(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	ev := buildEvent(t, s, types.EventIssued, "chan-1", "nonce-dup-issue", nil)
	ev.PrevEventHash = ""
	hash, err := ContentHash(ev)
	require.NoError(t, err)
	ev.ContentHash = hash
	_, err = s.ApplyEvent(ev)
	require.ErrorIs(t, err, rxerrors.ErrChannelExists)
}

func TestLifecycleTransitions(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	advance(t, s, "chan-1", types.EventVerified, "n-verify")
	advance(t, s, "chan-1", types.EventPaid, "n-pay")

	ch, _ := s.GetChannel("chan-1")
	require.Equal(t, types.StatusPaid, ch.Status)

	// Paying twice is not a legal transition.
	_, err := s.ApplyEvent(buildEvent(t, s, types.EventPaid, "chan-1", "n-pay-2", nil))
	require.ErrorIs(t, err, rxerrors.ErrInvalidTransition)
}

func TestDispenseCounting(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 2)
	advance(t, s, "chan-1", types.EventVerified, "n-verify")
	advance(t, s, "chan-1", types.EventPaid, "n-pay")

	for i := 1; i <= 2; i++ {
		count := i
		ev := buildEvent(t, s, types.EventDispensed, "chan-1", fmt.Sprintf("n-disp-%d", i), func(ev *types.Event) {
			ev.DispenseCount = &count
		})
		ch, err := s.ApplyEvent(ev)
		require.NoError(t, err)
		require.Equal(t, i, ch.DispenseCount)
	}

	third := 3
	ev := buildEvent(t, s, types.EventDispensed, "chan-1", "n-disp-3", func(ev *types.Event) {
		ev.DispenseCount = &third
	})
	_, err := s.ApplyEvent(ev)
	require.ErrorIs(t, err, rxerrors.ErrFullyDispensed)
	require.True(t, strings.Contains(err.Error(), "(2/2)"), "error should carry the count: %v", err)
}

func TestDispenseCountOutOfSequenceRejected(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 3)
	advance(t, s, "chan-1", types.EventVerified, "n-verify")
	advance(t, s, "chan-1", types.EventPaid, "n-pay")

	wrong := 2 // next must be 1
	ev := buildEvent(t, s, types.EventDispensed, "chan-1", "n-disp", func(ev *types.Event) {
		ev.DispenseCount = &wrong
	})
	_, err := s.ApplyEvent(ev)
	require.ErrorIs(t, err, rxerrors.ErrValidation)
}

func TestCancelTerminal(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	advance(t, s, "chan-1", types.EventCancelled, "n-cancel")

	ch, _ := s.GetChannel("chan-1")
	require.Equal(t, types.StatusCancelled, ch.Status)

	_, err := s.ApplyEvent(buildEvent(t, s, types.EventVerified, "chan-1", "n-verify", nil))
	require.ErrorIs(t, err, rxerrors.ErrInvalidTransition)

	_, err = s.ApplyEvent(buildEvent(t, s, types.EventCancelled, "chan-1", "n-cancel-2", nil))
	require.ErrorIs(t, err, rxerrors.ErrInvalidTransition)
}

func TestAmendKeepsStatus(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	advance(t, s, "chan-1", types.EventVerified, "n-verify")

	ev := buildEvent(t, s, types.EventAmended, "chan-1", "n-amend", func(ev *types.Event) {
		ev.Memo = "dosage corrected"
	})
	ch, err := s.ApplyEvent(ev)
	require.NoError(t, err)
	require.Equal(t, types.StatusVerified, ch.Status)
	require.Equal(t, types.EventAmended, ch.LastEventType)
}

func TestExpiredChannelRejectsMutations(t *testing.T) {
	s := NewStore()
	ev := buildEvent(t, s, types.EventIssued, "chan-1", "n-issue", func(ev *types.Event) {
		ev.MaxDispenses = 1
		ev.ValidUntil = time.Now().Add(-time.Hour).UnixMilli()
	})
	_, err := s.ApplyEvent(ev)
	require.NoError(t, err)

	_, err = s.ApplyEvent(buildEvent(t, s, types.EventVerified, "chan-1", "n-verify", nil))
	require.ErrorIs(t, err, rxerrors.ErrChannelExpired)
}

func TestNonceReplayRejected(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	issueChannel(t, s, "chan-2", 1)

	// Same nonce on a different channel is still a replay.
	ev := buildEvent(t, s, types.EventVerified, "chan-2", "nonce-issue-chan-1", nil)
	_, err := s.ApplyEvent(ev)
	require.ErrorIs(t, err, rxerrors.ErrReplayDetected)
}

func TestStaleHeadRejected(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	stale := buildEvent(t, s, types.EventVerified, "chan-1", "n-stale", nil)

	// Another event lands first and moves the head.
	advance(t, s, "chan-1", types.EventVerified, "n-wins")

	_, err := s.ApplyEvent(stale)
	require.ErrorIs(t, err, rxerrors.ErrStaleHead)
}

func TestRebindChannel(t *testing.T) {
	s := NewStore()
	placeholder := types.DegradedIDPrefix + "abc"
	issueChannel(t, s, placeholder, 1)
	s.UpdateSensitive(placeholder, func(rec *types.SensitiveRecord) {
		rec.Medications = []string{"Amoxicillin 500mg"}
	})

	ch, _ := s.GetChannel(placeholder)
	require.True(t, ch.Degraded)

	require.NoError(t, s.RebindChannel(placeholder, "chan-real"))

	_, ok := s.GetChannel(placeholder)
	require.False(t, ok)
	ch, ok = s.GetChannel("chan-real")
	require.True(t, ok)
	require.False(t, ch.Degraded)

	rec, ok := s.Sensitive("chan-real")
	require.True(t, ok)
	require.Equal(t, []string{"Amoxicillin 500mg"}, rec.Medications)
	require.Len(t, s.Events("chan-real"), 1)
}

func TestEvictNonces(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 1)
	require.Equal(t, 0, s.EvictNonces(time.Now().Add(-time.Hour)))
	require.Equal(t, 1, s.EvictNonces(time.Now().Add(time.Hour)))

	// The evicted nonce is reusable again; retention is the explicit bound.
	ev := buildEvent(t, s, types.EventVerified, "chan-1", "nonce-issue-chan-1", nil)
	_, err := s.ApplyEvent(ev)
	require.NoError(t, err)
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore()
	issueChannel(t, s, "chan-1", 2)
	advance(t, s, "chan-1", types.EventVerified, "n-verify")
	s.UpdateSensitive("chan-1", func(rec *types.SensitiveRecord) {
		rec.PreciseGeoTag = "52.520008,13.404954"
	})

	snap, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewStore()
	require.NoError(t, restored.Restore(snap))

	ch, ok := restored.GetChannel("chan-1")
	require.True(t, ok)
	require.Equal(t, types.StatusVerified, ch.Status)
	require.Len(t, restored.Events("chan-1"), 2)

	rec, ok := restored.Sensitive("chan-1")
	require.True(t, ok)
	require.Equal(t, "52.520008,13.404954", rec.PreciseGeoTag)

	// Consumed nonces survive the restart.
	ev := buildEvent(t, restored, types.EventPaid, "chan-1", "n-verify", nil)
	_, err = restored.ApplyEvent(ev)
	require.ErrorIs(t, err, rxerrors.ErrReplayDetected)
}

func TestDirtyHookFires(t *testing.T) {
	s := NewStore()
	calls := 0
	s.SetDirtyHook(func() { calls++ })
	issueChannel(t, s, "chan-1", 1)
	require.Greater(t, calls, 0)
}
