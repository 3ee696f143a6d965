package rest

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/bidding"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/payments"
)

type MockBidService struct {
	mock.Mock
}

func (m *MockBidService) SubmitBid(ctx context.Context, req bidding.SubmitBidRequest) (*bidding.BidOutcome, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*bidding.BidOutcome)
	return out, args.Error(1)
}

func (m *MockBidService) ResolveChallenge(ctx context.Context, challengeID uuid.UUID, proof string) (*bidding.BidOutcome, error) {
	args := m.Called(ctx, challengeID, proof)
	out, _ := args.Get(0).(*bidding.BidOutcome)
	return out, args.Error(1)
}

func (m *MockBidService) GrantBypass(ctx context.Context, subject uuid.UUID, scope string, grantedBy uuid.UUID) (*fraud.Grant, error) {
	args := m.Called(ctx, subject, scope, grantedBy)
	g, _ := args.Get(0).(*fraud.Grant)
	return g, args.Error(1)
}

func (m *MockBidService) RevokeBypass(ctx context.Context, subject uuid.UUID, scope string, revokedBy uuid.UUID) error {
	return m.Called(ctx, subject, scope, revokedBy).Error(0)
}

func (m *MockBidService) ClearSuspension(ctx context.Context, subject, clearedBy uuid.UUID) (*enforcement.State, error) {
	args := m.Called(ctx, subject, clearedBy)
	st, _ := args.Get(0).(*enforcement.State)
	return st, args.Error(1)
}

func (m *MockBidService) ListOpenSignals(ctx context.Context, filter fraud.Filter) ([]*fraud.Signal, error) {
	args := m.Called(ctx, filter)
	out, _ := args.Get(0).([]*fraud.Signal)
	return out, args.Error(1)
}

func (m *MockBidService) ReviewSignal(ctx context.Context, signalID, reviewer uuid.UUID) (*fraud.Signal, error) {
	args := m.Called(ctx, signalID, reviewer)
	s, _ := args.Get(0).(*fraud.Signal)
	return s, args.Error(1)
}

func (m *MockBidService) FraudScore(ctx context.Context, subject uuid.UUID) (*bidding.SubjectScore, error) {
	args := m.Called(ctx, subject)
	s, _ := args.Get(0).(*bidding.SubjectScore)
	return s, args.Error(1)
}

type MockChainService struct {
	mock.Mock
}

func (m *MockChainService) RecordTransaction(ctx context.Context, req ledgersvc.TransactionRequest) (*ledger.Record, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*ledger.Record)
	return r, args.Error(1)
}

func (m *MockChainService) VerifyChain(ctx context.Context) (*ledger.VerificationResult, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*ledger.VerificationResult)
	return r, args.Error(1)
}

func (m *MockChainService) AcknowledgeIncident(ctx context.Context, by uuid.UUID, note string) (*ledger.Record, error) {
	args := m.Called(ctx, by, note)
	r, _ := args.Get(0).(*ledger.Record)
	return r, args.Error(1)
}

func (m *MockChainService) Status() ledgersvc.Status {
	return m.Called().Get(0).(ledgersvc.Status)
}

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) RecordPayment(ctx context.Context, req payments.RecordPaymentRequest) (*payments.PaymentResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*payments.PaymentResult)
	return r, args.Error(1)
}
