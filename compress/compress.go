// Package compress shrinks events before ledger submission and restores them
// losslessly on read. A static dictionary maps the verbose field names to
// short codes; a shared value dictionary tokenizes long repeated strings
// (drug ids, channel ids) on first occurrence. The wire form adds snappy
// framing on top of the compact JSON.
package compress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"

	"rxledger/core/types"
)

// tokenPrefix marks value-dictionary references in compact payloads. Literal
// values that happen to start with it are escaped by doubling the prefix.
const tokenPrefix = "~"

// minTokenLen is the shortest value worth tokenizing; below this the token
// reference costs as much as the value.
const minTokenLen = 10

// CompactEvent is the short-key image of types.Event. The `e` key doubles as
// the compressed-form marker: a payload carrying `e` is compact, one
// carrying `eventType` is not.
type CompactEvent struct {
	V   int               `json:"v"`
	Y   string            `json:"y,omitempty"`
	E   types.EventType   `json:"e"`
	T   string            `json:"t"`
	TS  int64             `json:"ts"`
	R   string            `json:"r,omitempty"`
	A   string            `json:"a,omitempty"`
	D   []string          `json:"d,omitempty"`
	I   []string          `json:"i,omitempty"`
	Q   *float64          `json:"q,omitempty"`
	P   *float64          `json:"p,omitempty"`
	G   string            `json:"g,omitempty"`
	U   int64             `json:"u,omitempty"`
	DC  *int              `json:"dc,omitempty"`
	MD  int               `json:"md,omitempty"`
	F   *types.FraudAlert `json:"f,omitempty"`
	M   string            `json:"m,omitempty"`
	H   string            `json:"h,omitempty"`
	N   string            `json:"n"`
	C   string            `json:"c,omitempty"`
	S   string            `json:"s,omitempty"`
	K   string            `json:"k,omitempty"`
}

// Compressor maintains the shared value dictionary. Safe for concurrent use.
// The dictionary only grows; it is snapshot together with the event store so
// tokens stay resolvable across restarts.
type Compressor struct {
	mu     sync.RWMutex
	tokens map[string]string // value -> token
	values []string          // token index -> value
}

func New() *Compressor {
	return &Compressor{tokens: make(map[string]string)}
}

func (c *Compressor) intern(value string) string {
	if len(value) < minTokenLen {
		if strings.HasPrefix(value, tokenPrefix) {
			return tokenPrefix + value
		}
		return value
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if token, ok := c.tokens[value]; ok {
		return token
	}
	token := tokenPrefix + strconv.FormatInt(int64(len(c.values)), 36)
	c.tokens[value] = token
	c.values = append(c.values, value)
	return token
}

func (c *Compressor) internAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = c.intern(v)
	}
	return out
}

func (c *Compressor) resolve(token string) (string, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return token, nil
	}
	if strings.HasPrefix(token, tokenPrefix+tokenPrefix) {
		// Escaped literal, not a dictionary reference.
		return token[len(tokenPrefix):], nil
	}
	idx, err := strconv.ParseInt(token[len(tokenPrefix):], 36, 64)
	if err != nil {
		return "", fmt.Errorf("compress: malformed value token %q", token)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx < 0 || idx >= int64(len(c.values)) {
		return "", fmt.Errorf("compress: unknown value token %q", token)
	}
	return c.values[idx], nil
}

func (c *Compressor) resolveAll(tokens []string) ([]string, error) {
	if tokens == nil {
		return nil, nil
	}
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		value, err := c.resolve(tok)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

// Compress maps an event to its compact form, tokenizing the channel id and
// the drug/item lists through the value dictionary.
func (c *Compressor) Compress(ev types.Event) CompactEvent {
	return CompactEvent{
		V:  ev.Version,
		Y:  ev.Algorithm,
		E:  ev.EventType,
		T:  c.intern(ev.TopicID),
		TS: ev.Timestamp,
		R:  ev.SignerRole,
		A:  ev.ActorIDHash,
		D:  c.internAll(ev.DrugIDs),
		I:  c.internAll(ev.Items),
		Q:  ev.Quantity,
		P:  ev.Amount,
		G:  ev.GeoTag,
		U:  ev.ValidUntil,
		DC: ev.DispenseCount,
		MD: ev.MaxDispenses,
		F:  ev.FraudAlert,
		M:  ev.Memo,
		H:  ev.PrevEventHash,
		N:  ev.Nonce,
		C:  ev.ContentHash,
		S:  ev.Signature,
		K:  ev.KeyID,
	}
}

// Decompress restores the verbose event. Fails on tokens the dictionary does
// not know, which indicates a payload from a foreign dictionary.
func (c *Compressor) Decompress(ce CompactEvent) (types.Event, error) {
	topic, err := c.resolve(ce.T)
	if err != nil {
		return types.Event{}, err
	}
	drugs, err := c.resolveAll(ce.D)
	if err != nil {
		return types.Event{}, err
	}
	items, err := c.resolveAll(ce.I)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		Version:       ce.V,
		Algorithm:     ce.Y,
		EventType:     ce.E,
		TopicID:       topic,
		Timestamp:     ce.TS,
		SignerRole:    ce.R,
		ActorIDHash:   ce.A,
		DrugIDs:       drugs,
		Items:         items,
		Quantity:      ce.Q,
		Amount:        ce.P,
		GeoTag:        ce.G,
		ValidUntil:    ce.U,
		DispenseCount: ce.DC,
		MaxDispenses:  ce.MD,
		FraudAlert:    ce.F,
		Memo:          ce.M,
		PrevEventHash: ce.H,
		Nonce:         ce.N,
		ContentHash:   ce.C,
		Signature:     ce.S,
		KeyID:         ce.K,
	}, nil
}

// IsCompressed detects the compact form by the presence of the short
// eventType key.
func IsCompressed(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, short := probe["e"]
	_, long := probe["eventType"]
	return short && !long
}

// WireEncode frames the compact event for ledger submission and the
// QR/offline path: compact JSON wrapped in a snappy block.
func (c *Compressor) WireEncode(ev types.Event) ([]byte, error) {
	raw, err := json.Marshal(c.Compress(ev))
	if err != nil {
		return nil, fmt.Errorf("compress: encode: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// WireDecode reverses WireEncode.
func (c *Compressor) WireDecode(payload []byte) (types.Event, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("compress: snappy: %w", err)
	}
	if !IsCompressed(raw) {
		return types.Event{}, errors.New("compress: payload is not in compact form")
	}
	var ce CompactEvent
	if err := json.Unmarshal(raw, &ce); err != nil {
		return types.Event{}, fmt.Errorf("compress: decode: %w", err)
	}
	return c.Decompress(ce)
}

type dictSnapshot struct {
	Values []string `json:"values"`
}

// Snapshot serializes the value dictionary for the persistence layer.
func (c *Compressor) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(dictSnapshot{Values: c.values})
}

// Restore replaces the value dictionary from a snapshot.
func (c *Compressor) Restore(data []byte) error {
	var snap dictSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("compress: restore dictionary: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = snap.Values
	c.tokens = make(map[string]string, len(snap.Values))
	for i, v := range snap.Values {
		c.tokens[v] = tokenPrefix + strconv.FormatInt(int64(i), 36)
	}
	return nil
}
