package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"rxledger/core/types"
	rxcrypto "rxledger/crypto"
)

// ContentHash computes the event's content digest: sha256 over the canonical
// serialization with the signature and contentHash fields stripped.
func ContentHash(ev types.Event) (string, error) {
	canonical, err := rxcrypto.CanonicalBytes(ev, "signature", "contentHash")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ChainIssue describes one defect found while walking a channel's hash
// links.
type ChainIssue struct {
	Index  int
	Reason string
}

func (i ChainIssue) String() string {
	return fmt.Sprintf("event %d: %s", i.Index, i.Reason)
}

// ValidateChain walks a channel's events in submission order and flags
// broken links. The external ledger orders submissions but enforces no
// domain-level chaining, so an event submitted with a stale prevEventHash is
// only caught here.
func ValidateChain(events []types.Event) []ChainIssue {
	var issues []ChainIssue
	prev := ""
	for i, ev := range events {
		expected, err := ContentHash(ev)
		if err != nil {
			issues = append(issues, ChainIssue{Index: i, Reason: fmt.Sprintf("content hash: %v", err)})
			continue
		}
		if ev.ContentHash != expected {
			issues = append(issues, ChainIssue{Index: i, Reason: "content hash does not match event body"})
		}
		if ev.PrevEventHash != prev {
			issues = append(issues, ChainIssue{Index: i,
				Reason: fmt.Sprintf("prevEventHash %q does not link to predecessor %q", ev.PrevEventHash, prev)})
		}
		prev = ev.ContentHash
	}
	return issues
}
