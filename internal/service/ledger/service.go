package ledger

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
)

// Config holds chain service tuning.
type Config struct {
	AppendTimeout    time.Duration `koanf:"append_timeout"`
	AppendRetries    uint64        `koanf:"append_retries"`
	VerifyBatchSize  int           `koanf:"verify_batch_size"`
	VerifyInterval   time.Duration `koanf:"verify_interval"`
	MaxReportedBreak int           `koanf:"max_reported_breaks"`
}

func DefaultConfig() Config {
	return Config{
		AppendTimeout:    2 * time.Second,
		AppendRetries:    5,
		VerifyBatchSize:  500,
		VerifyInterval:   15 * time.Minute,
		MaxReportedBreak: 100,
	}
}

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{2,63}$`)

// Incident is an unacknowledged verification failure. While one is open
// the reconciliation gate stays halted.
type Incident struct {
	ID         uuid.UUID                  `json:"id"`
	DetectedAt time.Time                  `json:"detected_at"`
	Breaks     []ledger.ChainBreak        `json:"breaks"`
	OpenBreaks int                        `json:"open_breaks"`
	Result     *ledger.VerificationResult `json:"result"`

	// open holds every unacknowledged break; Breaks is capped for reporting.
	open []ledger.ChainBreak
}

// FirstSequence is the sequence id of the earliest break.
func (i *Incident) FirstSequence() int64 {
	if len(i.Breaks) == 0 {
		return 0
	}
	return i.Breaks[0].Sequence
}

// Status summarises the gate for health and admin endpoints.
type Status struct {
	Halted           bool                       `json:"halted"`
	Incident         *Incident                  `json:"incident,omitempty"`
	LastVerification *ledger.VerificationResult `json:"last_verification,omitempty"`
}

// Service owns the transaction hash chain. Appends are serialised through a
// single-slot channel so each record hashes over the true tail.
type Service struct {
	store   ledger.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	appendLock chan struct{}
	verifyMu   sync.Mutex

	mu       sync.RWMutex
	incident *Incident
	last     *ledger.VerificationResult
}

func NewService(store ledger.Store, cfg Config, logger *zap.Logger, reg *metrics.Registry) *Service {
	def := DefaultConfig()
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = def.AppendTimeout
	}
	if cfg.VerifyBatchSize <= 0 {
		cfg.VerifyBatchSize = def.VerifyBatchSize
	}
	if cfg.MaxReportedBreak <= 0 {
		cfg.MaxReportedBreak = def.MaxReportedBreak
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "ledger")),
		metrics:    reg,
		tracer:     telemetry.Tracer("auction-integrity/ledger"),
		appendLock: make(chan struct{}, 1),
	}
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(s.cfg.AppendTimeout)
	defer timer.Stop()
	select {
	case s.appendLock <- struct{}{}:
		return func() { <-s.appendLock }, nil
	case <-timer.C:
		s.metrics.RecordLockTimeout("chain")
		return nil, errors.NewTransientError("chain", "timed out waiting for the chain append lock")
	case <-ctx.Done():
		return nil, errors.NewTransientError("chain", "request cancelled while waiting for the chain append lock").WithCause(ctx.Err())
	}
}

// Append adds entry at the chain tail. A store conflict means another
// writer extended the tail first; the tail is re-read and the record
// rehashed a bounded number of times.
func (s *Service) Append(ctx context.Context, entry ledger.Entry) (*ledger.Record, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Append",
		trace.WithAttributes(attribute.String("ledger.event_type", string(entry.EventType))))
	defer span.End()

	release, err := s.acquire(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer release()

	var appended *ledger.Record
	attempt := func() error {
		tail, err := s.store.Tail(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		seq, prev := int64(1), ledger.GenesisHash
		if tail != nil {
			seq, prev = tail.Sequence+1, tail.RecordHash
		}
		r, err := ledger.NewRecord(entry, seq, prev)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.store.Append(ctx, r); err != nil {
			if errors.IsType(err, errors.ErrorTypeConflict) {
				s.logger.Debug("chain tail moved, retrying append", zap.Int64("sequence", seq))
				return err
			}
			return backoff.Permanent(err)
		}
		appended = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.AppendRetries), ctx))
	s.metrics.RecordAppend(string(entry.EventType), err)
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("chain append failed",
			zap.String("event_type", string(entry.EventType)),
			zap.Error(err))
		if _, ok := err.(*errors.AppError); ok {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to append chain record").WithCause(err)
	}

	span.SetAttributes(attribute.Int64("ledger.sequence", appended.Sequence))
	s.logger.Debug("chain record appended",
		zap.Int64("sequence", appended.Sequence),
		zap.String("event_type", string(appended.EventType)))
	return appended, nil
}

// TransactionRequest is a caller-supplied financial event.
type TransactionRequest struct {
	EventType string                 `json:"event_type" validate:"required"`
	SubjectID uuid.UUID              `json:"subject_id" validate:"required"`
	Amount    decimal.Decimal        `json:"amount"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// RecordTransaction appends a caller-defined event. Incident clearance is
// reserved for AcknowledgeIncident.
func (s *Service) RecordTransaction(ctx context.Context, req TransactionRequest) (*ledger.Record, error) {
	if !eventTypePattern.MatchString(req.EventType) {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			"event type must be 3-64 lowercase letters, digits or underscores")
	}
	if ledger.EventType(req.EventType) == ledger.EventIntegrityIncidentCleared {
		return nil, errors.NewValidationError("RESERVED_EVENT_TYPE", "integrity incidents are cleared through acknowledgement")
	}
	if req.SubjectID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject id is required")
	}
	if req.Amount.IsNegative() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "amount cannot be negative")
	}
	return s.Append(ctx, ledger.Entry{
		EventType: ledger.EventType(req.EventType),
		SubjectID: req.SubjectID,
		Amount:    req.Amount,
		Payload:   req.Payload,
		Timestamp: req.Timestamp,
	})
}

// VerifyChain walks the whole chain in pages. Breaks already covered by an
// integrity_incident_cleared record are stepped over; any other break opens
// an incident and halts the reconciliation gate.
func (s *Service) VerifyChain(ctx context.Context) (*ledger.VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	s.verifyMu.Lock()
	defer s.verifyMu.Unlock()

	started := time.Now()
	v := ledger.NewVerifier()
	var breaks []ledger.ChainBreak
	acknowledged := map[clearedBreak]bool{}

	from := int64(1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTransientError("chain", "verification cancelled").WithCause(err)
		}
		page, err := s.store.Range(ctx, from, s.cfg.VerifyBatchSize)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, errors.NewInternalError("failed to read chain records").WithCause(err)
		}
		for _, r := range page {
			if brk := v.Next(r); brk != nil {
				breaks = append(breaks, *brk)
				v.Resume(r)
			}
			if r.EventType == ledger.EventIntegrityIncidentCleared {
				for _, c := range clearedBreaks(r.Payload) {
					acknowledged[c] = true
				}
			}
		}
		if len(page) < s.cfg.VerifyBatchSize {
			break
		}
		from = page[len(page)-1].Sequence + 1
	}

	result := &ledger.VerificationResult{
		OK:        true,
		Checked:   v.Checked(),
		TailHash:  v.TailHash(),
		StartedAt: started,
	}
	var open []ledger.ChainBreak
	for _, b := range breaks {
		if acknowledged[clearedBreak{Sequence: b.Sequence, Fingerprint: b.Fingerprint}] {
			result.Acknowledged = append(result.Acknowledged, b.Sequence)
			continue
		}
		open = append(open, b)
	}
	if len(open) > 0 {
		first := open[0]
		result.OK = false
		result.FirstMismatchIndex = first.Sequence
		result.Break = &first
	}
	result.Duration = time.Since(started)

	s.metrics.RecordVerification(result.OK, result.Checked)
	span.SetAttributes(
		attribute.Bool("ledger.ok", result.OK),
		attribute.Int64("ledger.checked", result.Checked))

	s.mu.Lock()
	s.last = result
	if !result.OK {
		reported := open
		if len(reported) > s.cfg.MaxReportedBreak {
			reported = reported[:s.cfg.MaxReportedBreak]
		}
		s.incident = &Incident{
			ID:         uuid.New(),
			DetectedAt: time.Now().UTC(),
			Breaks:     reported,
			OpenBreaks: len(open),
			Result:     result,
			open:       open,
		}
	}
	halted := s.incident != nil
	s.mu.Unlock()
	s.metrics.SetHalted(halted)

	if !result.OK {
		s.logger.Error("chain integrity failure",
			zap.Int64("first_mismatch_index", result.FirstMismatchIndex),
			zap.String("break_type", string(result.Break.BreakType)),
			zap.Int("breaks", len(open)),
			zap.Int64("checked", result.Checked))
		return result, errors.NewIntegrityError(result.FirstMismatchIndex, result.Break.Description)
	}

	s.logger.Info("chain verification completed",
		zap.Int64("checked", result.Checked),
		zap.Int("acknowledged_breaks", len(result.Acknowledged)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// clearedBreak is one break covered by an acknowledgement.
type clearedBreak struct {
	Sequence    int64
	Fingerprint string
}

func clearedBreaks(payload map[string]interface{}) []clearedBreak {
	raw, ok := payload["breaks"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]clearedBreak, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		seq, ok := toInt64(m["sequence"])
		fp, _ := m["fingerprint"].(string)
		if !ok || fp == "" {
			continue
		}
		out = append(out, clearedBreak{Sequence: seq, Fingerprint: fp})
	}
	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// AcknowledgeIncident records an operator's acknowledgement of the open
// incident on the chain and reopens the reconciliation gate.
func (s *Service) AcknowledgeIncident(ctx context.Context, by uuid.UUID, note string) (*ledger.Record, error) {
	s.mu.RLock()
	inc := s.incident
	s.mu.RUnlock()
	if inc == nil {
		return nil, errors.NewValidationError("NO_OPEN_INCIDENT", "there is no integrity incident to acknowledge")
	}

	covered := append([]ledger.ChainBreak(nil), inc.open...)
	sort.Slice(covered, func(i, j int) bool { return covered[i].Sequence < covered[j].Sequence })
	seqs := make([]int64, 0, len(covered))
	cleared := make([]interface{}, 0, len(covered))
	for _, b := range covered {
		seqs = append(seqs, b.Sequence)
		cleared = append(cleared, map[string]interface{}{
			"sequence":    b.Sequence,
			"fingerprint": b.Fingerprint,
		})
	}

	rec, err := s.Append(ctx, ledger.Entry{
		EventType: ledger.EventIntegrityIncidentCleared,
		SubjectID: by,
		Amount:    decimal.Zero,
		Payload: map[string]interface{}{
			"incident_id":          inc.ID.String(),
			"detected_at":          inc.DetectedAt.Format(time.RFC3339Nano),
			"first_mismatch_index": inc.FirstSequence(),
			"break_sequences":      seqs,
			"breaks":               cleared,
			"acknowledged_by":      by.String(),
			"note":                 note,
		},
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.incident != nil && s.incident.ID == inc.ID {
		s.incident = nil
	}
	halted := s.incident != nil
	s.mu.Unlock()
	s.metrics.SetHalted(halted)

	s.logger.Warn("integrity incident acknowledged",
		zap.String("incident_id", inc.ID.String()),
		zap.String("acknowledged_by", by.String()),
		zap.Int64("sequence", rec.Sequence))
	return rec, nil
}

// Gate returns an IntegrityFailure while an incident is open.
func (s *Service) Gate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.incident == nil {
		return nil
	}
	return errors.NewIntegrityError(s.incident.FirstSequence(), "reconciliation halted until the integrity incident is acknowledged")
}

func (s *Service) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.incident != nil
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Halted: s.incident != nil, Incident: s.incident, LastVerification: s.last}
}
