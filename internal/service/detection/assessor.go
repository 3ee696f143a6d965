package detection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// EvidenceBundle is what the composite assessor sees: every signal fired by
// the heuristic detectors for one attempt.
type EvidenceBundle struct {
	SubjectID uuid.UUID       `json:"subject_id"`
	AuctionID *uuid.UUID      `json:"auction_id,omitempty"`
	Amount    string          `json:"amount,omitempty"`
	Signals   []*fraud.Signal `json:"signals"`
	Heuristic fraud.Severity  `json:"heuristic_severity"`
}

// Assessment is the assessor's verdict.
type Assessment struct {
	Severity  fraud.Severity `json:"severity"`
	Narrative string         `json:"narrative,omitempty"`
	// Fallback is set when the verdict is the heuristic severity because the
	// assessor was unavailable.
	Fallback bool `json:"fallback"`
}

// Assessor scores a bundle of fired signals.
type Assessor interface {
	Assess(ctx context.Context, bundle EvidenceBundle) (Assessment, error)
}

// NoopAssessor echoes the heuristic severity.
type NoopAssessor struct{}

func (NoopAssessor) Assess(_ context.Context, b EvidenceBundle) (Assessment, error) {
	return Assessment{Severity: b.Heuristic, Fallback: true}, nil
}

// GuardedAssessor bounds an assessor with a timeout, a rate limit and a
// circuit breaker. It never returns an error; failures degrade to the
// heuristic severity.
type GuardedAssessor struct {
	inner   Assessor
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGuardedAssessor(inner Assessor, cfg AssessorConfig, logger *zap.Logger) *GuardedAssessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GuardedAssessor{
		inner:   inner,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "assessor",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
		logger: logger,
	}
}

func (g *GuardedAssessor) Assess(ctx context.Context, b EvidenceBundle) (Assessment, error) {
	fallback := Assessment{Severity: b.Heuristic, Fallback: true}
	if !g.limiter.Allow() {
		g.logger.Debug("assessor throttled", zap.String("subject_id", b.SubjectID.String()))
		return fallback, nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.breaker.Execute(func() (a interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("assessor panicked: %v", r)
			}
		}()
		return g.inner.Assess(ctx, b)
	})
	if err != nil {
		g.logger.Warn("assessor unavailable, using heuristic severity",
			zap.String("subject_id", b.SubjectID.String()),
			zap.Error(err))
		return fallback, nil
	}
	a := out.(Assessment)
	if !a.Severity.Valid() {
		return fallback, nil
	}
	return a, nil
}

// HTTPAssessor posts the bundle to a remote classifier. The reply is plain
// text containing a line of the form "RISK: <level>".
type HTTPAssessor struct {
	url    string
	client *http.Client
}

func NewHTTPAssessor(url string, client *http.Client) *HTTPAssessor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAssessor{url: url, client: client}
}

func (h *HTTPAssessor) Assess(ctx context.Context, b EvidenceBundle) (Assessment, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return Assessment{}, errors.NewInternalError("failed to encode evidence bundle").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Assessment{}, errors.NewInternalError("failed to build assessor request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Assessment{}, errors.NewTransientError("assessor", "assessor request failed").WithCause(err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Assessment{}, errors.NewTransientError("assessor", "failed to read assessor reply").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Assessment{}, errors.NewTransientError("assessor", fmt.Sprintf("assessor returned %d", resp.StatusCode))
	}
	sev, ok := ParseRisk(string(text))
	if !ok {
		return Assessment{}, errors.NewValidationError("INVALID_ASSESSMENT", "assessor reply has no RISK line")
	}
	return Assessment{Severity: sev, Narrative: strings.TrimSpace(string(text))}, nil
}

const riskMarker = "RISK:"

// ParseRisk finds the first "RISK: <level>" line in a narrative. The marker
// is matched without case folding the rest of the line, so offsets always
// index the original bytes.
func ParseRisk(narrative string) (fraud.Severity, bool) {
	sc := bufio.NewScanner(strings.NewReader(narrative))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		idx := indexMarker(line)
		if idx < 0 {
			continue
		}
		level := strings.ToLower(strings.TrimSpace(line[idx+len(riskMarker):]))
		level = strings.Trim(level, ".*")
		if sev := fraud.Severity(level); sev.Valid() {
			return sev, true
		}
	}
	return "", false
}

// indexMarker is a byte-wise, ASCII case-insensitive search for riskMarker.
func indexMarker(line string) int {
	for i := 0; i+len(riskMarker) <= len(line); i++ {
		if strings.EqualFold(line[i:i+len(riskMarker)], riskMarker) {
			return i
		}
	}
	return -1
}
