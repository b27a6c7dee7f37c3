package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/airchains-network/donation-anchor/types"
)

const (
	PayloadKind    = "donation-batch"
	PayloadVersion = 1
)

// Payload is the memo written to the ledger for one batch. Field order is
// fixed by the struct so the encoding is stable.
type Payload struct {
	Kind        string `json:"kind"`
	Version     int    `json:"version"`
	BatchID     string `json:"batch_id"`
	MerkleRoot  string `json:"merkle_root"`
	RecordCount int    `json:"record_count"`
	TotalAmount string `json:"total_amount"`
	Timestamp   int64  `json:"timestamp"`
}

// NewPayload builds the memo for b at time now.
func NewPayload(b *types.Batch, now time.Time) Payload {
	return Payload{
		Kind:        PayloadKind,
		Version:     PayloadVersion,
		BatchID:     b.ID,
		MerkleRoot:  b.MerkleRoot.Hex(),
		RecordCount: b.RecordCount,
		TotalAmount: b.TotalAmount.StringFixed(2),
		Timestamp:   now.Unix(),
	}
}

// Encode serializes p compactly.
func (p Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anchor payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a memo read back from the ledger.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode anchor payload: %w", err)
	}
	if p.Kind != PayloadKind {
		return p, fmt.Errorf("unexpected payload kind %q", p.Kind)
	}
	return p, nil
}
