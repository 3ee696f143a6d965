package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// GenesisHash is the previous_hash of the first record.
var GenesisHash = strings.Repeat("0", 64)

// EventType names a financially relevant event.
type EventType string

const (
	EventBidAccepted              EventType = "bid_accepted"
	EventBidCommitReversed        EventType = "bid_commit_reversed"
	EventPaymentSettled           EventType = "payment_settled"
	EventPaymentFailed            EventType = "payment_failed"
	EventPaymentReconciliation    EventType = "payment_reconciliation"
	EventPaymentCommitReversed    EventType = "payment_commit_reversed"
	EventReconciliationRun        EventType = "reconciliation_run"
	EventIntegrityIncidentCleared EventType = "integrity_incident_cleared"
)

// fieldSep separates hashed fields so no two field tuples share an encoding.
const fieldSep = "\x1f"

// Entry is what callers hand to the chain. Sequence and hashes are
// assigned on append.
type Entry struct {
	EventType EventType
	SubjectID uuid.UUID
	Amount    decimal.Decimal
	Payload   interface{}
	Timestamp time.Time
}

// Record is one immutable chain entry.
type Record struct {
	Sequence     int64                  `json:"sequence"`
	ID           uuid.UUID              `json:"id"`
	EventType    EventType              `json:"event_type"`
	SubjectID    uuid.UUID              `json:"subject_id"`
	Amount       decimal.Decimal        `json:"amount"`
	Payload      map[string]interface{} `json:"payload"`
	Timestamp    time.Time              `json:"timestamp"`
	PreviousHash string                 `json:"previous_hash"`
	RecordHash   string                 `json:"record_hash"`
}

// NewRecord builds the record that follows previousHash at sequence. The
// payload is normalised to a JSON object and the timestamp truncated to
// microseconds so the hash survives a round trip through Postgres.
func NewRecord(entry Entry, sequence int64, previousHash string) (*Record, error) {
	if entry.EventType == "" {
		return nil, errors.NewValidationError("MISSING_EVENT_TYPE", "event type is required")
	}
	if sequence < 1 {
		return nil, errors.NewValidationError("INVALID_SEQUENCE", "sequence starts at 1")
	}
	payload, err := CanonicalPayload(entry.Payload)
	if err != nil {
		return nil, err
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r := &Record{
		Sequence:     sequence,
		ID:           uuid.New(),
		EventType:    entry.EventType,
		SubjectID:    entry.SubjectID,
		Amount:       entry.Amount,
		Payload:      payload,
		Timestamp:    ts.UTC().Truncate(time.Microsecond),
		PreviousHash: previousHash,
	}
	hash, err := ComputeHash(r)
	if err != nil {
		return nil, err
	}
	r.RecordHash = hash
	return r, nil
}

// ComputeHash returns SHA-256(previous_hash, event_type, timestamp, body)
// where body is the key-sorted JSON of sequence, subject, amount and payload.
func ComputeHash(r *Record) (string, error) {
	body, err := canonicalBody(r)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(r.PreviousHash))
	h.Write([]byte(fieldSep))
	h.Write([]byte(r.EventType))
	h.Write([]byte(fieldSep))
	h.Write([]byte(r.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(fieldSep))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalBody(r *Record) ([]byte, error) {
	// encoding/json sorts map keys, which makes this encoding canonical.
	body := map[string]interface{}{
		"sequence":   r.Sequence,
		"subject_id": r.SubjectID.String(),
		"amount":     r.Amount.String(),
		"payload":    r.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewValidationError("UNSERIALIZABLE_PAYLOAD", "chain payload cannot be serialized").WithCause(err)
	}
	return data, nil
}

// CanonicalPayload converts any JSON-serialisable value into the map form
// stored on a record. Numbers are kept as json.Number so re-encoding
// reproduces the same digits.
func CanonicalPayload(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError("UNSERIALIZABLE_PAYLOAD", "chain payload cannot be serialized").WithCause(err)
	}
	return DecodePayload(data)
}

// DecodePayload parses a stored payload.
func DecodePayload(data []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, errors.NewValidationError("INVALID_PAYLOAD", fmt.Sprintf("chain payload must be a JSON object: %v", err))
	}
	return out, nil
}

// Store persists chain records. Append must reject a record whose sequence
// or previous hash does not extend the current tail with a conflict error.
type Store interface {
	Tail(ctx context.Context) (*Record, error)
	Append(ctx context.Context, r *Record) error
	// Range returns up to limit records with sequence >= from, ascending.
	Range(ctx context.Context, from int64, limit int) ([]*Record, error)
}
