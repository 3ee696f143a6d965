package rest

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/bidding"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/payments"
)

// BidService is the slice of the bid commit coordinator the API serves.
type BidService interface {
	SubmitBid(ctx context.Context, req bidding.SubmitBidRequest) (*bidding.BidOutcome, error)
	ResolveChallenge(ctx context.Context, challengeID uuid.UUID, proof string) (*bidding.BidOutcome, error)
	GrantBypass(ctx context.Context, subject uuid.UUID, scope string, grantedBy uuid.UUID) (*fraud.Grant, error)
	RevokeBypass(ctx context.Context, subject uuid.UUID, scope string, revokedBy uuid.UUID) error
	ClearSuspension(ctx context.Context, subject, clearedBy uuid.UUID) (*enforcement.State, error)
	ListOpenSignals(ctx context.Context, filter fraud.Filter) ([]*fraud.Signal, error)
	ReviewSignal(ctx context.Context, signalID, reviewer uuid.UUID) (*fraud.Signal, error)
	FraudScore(ctx context.Context, subject uuid.UUID) (*bidding.SubjectScore, error)
}

type ChainService interface {
	RecordTransaction(ctx context.Context, req ledgersvc.TransactionRequest) (*ledger.Record, error)
	VerifyChain(ctx context.Context) (*ledger.VerificationResult, error)
	AcknowledgeIncident(ctx context.Context, by uuid.UUID, note string) (*ledger.Record, error)
	Status() ledgersvc.Status
}

type PaymentService interface {
	RecordPayment(ctx context.Context, req payments.RecordPaymentRequest) (*payments.PaymentResult, error)
}

// handlerFunc returns the response data or an error. When both are set the
// data is rendered alongside the error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) (interface{}, error)

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	auctionID, err := pathUUID(r, "auctionID")
	if err != nil {
		return nil, err
	}
	var req submitBidRequest
	if err := s.decode(r, &req); err != nil {
		return nil, err
	}
	in := bidding.SubmitBidRequest{AuctionID: auctionID, BidderID: req.BidderID, Amount: req.Amount}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	out, err := s.bids.SubmitBid(r.Context(), in)
	if out == nil {
		return nil, err
	}
	return out, err
}

func (s *Server) handleResolveChallenge(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	challengeID, err := pathUUID(r, "challengeID")
	if err != nil {
		return nil, err
	}
	var req resolveChallengeRequest
	if err := s.decode(r, &req); err != nil {
		return nil, err
	}
	out, err := s.bids.ResolveChallenge(r.Context(), challengeID, req.Proof)
	if out == nil {
		return nil, err
	}
	return out, err
}

func (s *Server) handleGrantBypass(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	subject, err := pathUUID(r, "subjectID")
	if err != nil {
		return nil, err
	}
	grant, err := s.bids.GrantBypass(r.Context(), subject, r.PathValue("scope"), actorFrom(r.Context()))
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (s *Server) handleRevokeBypass(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	subject, err := pathUUID(r, "subjectID")
	if err != nil {
		return nil, err
	}
	scope := r.PathValue("scope")
	if err := s.bids.RevokeBypass(r.Context(), subject, scope, actorFrom(r.Context())); err != nil {
		return nil, err
	}
	return map[string]interface{}{"subject_id": subject, "scope": scope, "revoked": true}, nil
}

func (s *Server) handleClearSuspension(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	subject, err := pathUUID(r, "subjectID")
	if err != nil {
		return nil, err
	}
	st, err := s.bids.ClearSuspension(r.Context(), subject, actorFrom(r.Context()))
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	filter, err := signalFilter(r)
	if err != nil {
		return nil, err
	}
	signals, err := s.bids.ListOpenSignals(r.Context(), filter)
	if err != nil {
		return nil, err
	}
	if signals == nil {
		signals = []*fraud.Signal{}
	}
	return map[string]interface{}{"signals": signals, "count": len(signals)}, nil
}

func (s *Server) handleReviewSignal(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	signalID, err := pathUUID(r, "signalID")
	if err != nil {
		return nil, err
	}
	sig, err := s.bids.ReviewSignal(r.Context(), signalID, actorFrom(r.Context()))
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (s *Server) handleFraudScore(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	subject, err := pathUUID(r, "subjectID")
	if err != nil {
		return nil, err
	}
	score, err := s.bids.FraudScore(r.Context(), subject)
	if err != nil {
		return nil, err
	}
	return score, nil
}

func (s *Server) handleRecordTransaction(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	var req ledgersvc.TransactionRequest
	if err := s.decode(r, &req); err != nil {
		return nil, err
	}
	rec, err := s.chain.RecordTransaction(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// handleVerifyChain returns the verification result with the integrity
// error when the chain is broken.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	res, err := s.chain.VerifyChain(r.Context())
	if res == nil {
		return nil, err
	}
	return res, err
}

func (s *Server) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	var req acknowledgeRequest
	if err := s.decodeOptional(r, &req); err != nil {
		return nil, err
	}
	rec, err := s.chain.AcknowledgeIncident(r.Context(), actorFrom(r.Context()), req.Note)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return s.chain.Status(), nil
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	var req payments.RecordPaymentRequest
	if err := s.decode(r, &req); err != nil {
		return nil, err
	}
	res, err := s.payments.RecordPayment(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return res, nil
}
