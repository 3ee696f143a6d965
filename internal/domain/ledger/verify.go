package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BreakType categorizes the type of chain break
type BreakType string

const (
	BreakTypeHashMismatch     BreakType = "hash_mismatch"
	BreakTypePreviousMismatch BreakType = "previous_mismatch"
	BreakTypeSequenceGap      BreakType = "sequence_gap"
	BreakTypeCorruptedRecord  BreakType = "corrupted_record"
)

// ChainBreak describes a record that failed verification. Fingerprint
// identifies the record's state at the time of the break, so a later rewrite
// of the same sequence is a different break.
type ChainBreak struct {
	Sequence    int64     `json:"sequence"`
	BreakType   BreakType `json:"break_type"`
	Expected    string    `json:"expected"`
	Actual      string    `json:"actual"`
	Description string    `json:"description"`
	Fingerprint string    `json:"fingerprint"`
}

// VerificationResult is the outcome of a full-chain pass. FirstMismatchIndex
// is the sequence id of the first failing record, or zero when OK.
type VerificationResult struct {
	OK                 bool          `json:"ok"`
	FirstMismatchIndex int64         `json:"first_mismatch_index,omitempty"`
	Checked            int64         `json:"checked"`
	TailHash           string        `json:"tail_hash"`
	Break              *ChainBreak   `json:"break,omitempty"`
	Acknowledged       []int64       `json:"acknowledged,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
}

// Verifier walks records in sequence order, one at a time, so callers can
// stream pages without holding the whole chain in memory.
type Verifier struct {
	expectedSeq  int64
	expectedPrev string
	checked      int64
}

func NewVerifier() *Verifier {
	return &Verifier{expectedSeq: 1, expectedPrev: GenesisHash}
}

// Next verifies r against everything seen so far. It returns nil when r
// extends the chain correctly.
func (v *Verifier) Next(r *Record) *ChainBreak {
	v.checked++
	brk := v.check(r)
	if brk != nil {
		brk.Fingerprint = fingerprint(r, brk)
	}
	return brk
}

func (v *Verifier) check(r *Record) *ChainBreak {
	if r.Sequence != v.expectedSeq {
		return &ChainBreak{
			Sequence:    r.Sequence,
			BreakType:   BreakTypeSequenceGap,
			Expected:    fmt.Sprintf("%d", v.expectedSeq),
			Actual:      fmt.Sprintf("%d", r.Sequence),
			Description: fmt.Sprintf("expected sequence %d, got %d", v.expectedSeq, r.Sequence),
		}
	}
	if r.PreviousHash != v.expectedPrev {
		return &ChainBreak{
			Sequence:    r.Sequence,
			BreakType:   BreakTypePreviousMismatch,
			Expected:    v.expectedPrev,
			Actual:      r.PreviousHash,
			Description: "previous_hash does not match the preceding record",
		}
	}

	recomputed, err := ComputeHash(r)
	if err != nil {
		return &ChainBreak{
			Sequence:    r.Sequence,
			BreakType:   BreakTypeCorruptedRecord,
			Actual:      r.RecordHash,
			Description: err.Error(),
		}
	}
	if recomputed != r.RecordHash {
		return &ChainBreak{
			Sequence:    r.Sequence,
			BreakType:   BreakTypeHashMismatch,
			Expected:    recomputed,
			Actual:      r.RecordHash,
			Description: "recomputed record_hash differs from stored value",
		}
	}

	v.expectedSeq++
	v.expectedPrev = r.RecordHash
	return nil
}

func fingerprint(r *Record, brk *ChainBreak) string {
	recomputed, err := ComputeHash(r)
	if err != nil {
		recomputed = "corrupt"
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strconv.FormatInt(r.Sequence, 10),
		string(brk.BreakType),
		brk.Expected,
		r.PreviousHash,
		r.RecordHash,
		recomputed,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Resume continues verification after a break, treating r as trusted so the
// records after it are checked against r's stored hash.
func (v *Verifier) Resume(r *Record) {
	v.expectedSeq = r.Sequence + 1
	v.expectedPrev = r.RecordHash
}

func (v *Verifier) Checked() int64 { return v.checked }

// TailHash is the hash the next record must reference.
func (v *Verifier) TailHash() string { return v.expectedPrev }

// VerifyRecords checks an in-memory slice that starts at the genesis record.
func VerifyRecords(records []*Record) *VerificationResult {
	started := time.Now()
	v := NewVerifier()
	result := &VerificationResult{OK: true, StartedAt: started}

	for _, r := range records {
		if brk := v.Next(r); brk != nil {
			result.OK = false
			result.Break = brk
			result.FirstMismatchIndex = brk.Sequence
			break
		}
	}

	result.Checked = v.Checked()
	result.TailHash = v.TailHash()
	result.Duration = time.Since(started)
	return result
}
