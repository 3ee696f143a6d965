package bid_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

func newAuction(t *testing.T, start, end time.Time) *bid.Auction {
	t.Helper()
	a, err := bid.NewAuction(uuid.New(), "lot 7", decimal.NewFromInt(500000), decimal.NewFromInt(10000), start, end)
	require.NoError(t, err)
	return a
}

func TestNewAuction(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		seller    uuid.UUID
		price     decimal.Decimal
		increment decimal.Decimal
		end       time.Time
		wantCode  string
	}{
		{"valid", uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(5), now.Add(time.Hour), ""},
		{"missing seller", uuid.Nil, decimal.NewFromInt(100), decimal.NewFromInt(5), now.Add(time.Hour), "INVALID_SELLER"},
		{"negative price", uuid.New(), decimal.NewFromInt(-1), decimal.NewFromInt(5), now.Add(time.Hour), "INVALID_PRICE"},
		{"zero increment", uuid.New(), decimal.NewFromInt(100), decimal.Zero, now.Add(time.Hour), "INVALID_INCREMENT"},
		{"end before start", uuid.New(), decimal.NewFromInt(100), decimal.NewFromInt(5), now.Add(-time.Hour), "INVALID_SCHEDULE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := bid.NewAuction(tt.seller, "item", tt.price, tt.increment, now, tt.end)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, bid.AuctionStatusActive, a.Status)
				assert.Zero(t, a.BidCount)
				return
			}

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
		})
	}
}

func TestAuctionValidateBid(t *testing.T) {
	now := time.Now()
	a := newAuction(t, now.Add(-time.Hour), now.Add(time.Hour))

	t.Run("exactly price plus increment is accepted", func(t *testing.T) {
		assert.NoError(t, a.ValidateBid(decimal.NewFromInt(510000), now))
	})

	t.Run("one below minimum is rejected", func(t *testing.T) {
		err := a.ValidateBid(decimal.NewFromInt(509999), now)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "BID_TOO_LOW", appErr.Code)
		assert.Equal(t, errors.ErrorTypeValidation, appErr.Type)
	})

	t.Run("bid at end time is rejected", func(t *testing.T) {
		err := a.ValidateBid(decimal.NewFromInt(600000), a.EndTime)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "AUCTION_ENDED", appErr.Code)
	})

	t.Run("bid before start is rejected", func(t *testing.T) {
		err := a.ValidateBid(decimal.NewFromInt(600000), a.StartTime.Add(-time.Second))
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "AUCTION_NOT_STARTED", appErr.Code)
	})
}

func TestAuctionTimeline(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newAuction(t, start, start.Add(10*time.Minute))

	assert.InDelta(t, 0.5, a.Progress(start.Add(5*time.Minute)), 1e-9)
	assert.Equal(t, 0.0, a.Progress(start.Add(-time.Minute)))
	assert.Equal(t, 1.0, a.Progress(start.Add(time.Hour)))

	assert.False(t, a.InEndgame(start.Add(7*time.Minute), 2*time.Minute))
	assert.True(t, a.InEndgame(start.Add(8*time.Minute), 2*time.Minute))
	assert.False(t, a.InEndgame(start.Add(10*time.Minute), 2*time.Minute))
	assert.Equal(t, time.Duration(0), a.Remaining(start.Add(11*time.Minute)))
}

func TestAuctionApply(t *testing.T) {
	now := time.Now()
	a := newAuction(t, now.Add(-time.Hour), now.Add(time.Hour))

	ev := bid.NewEvent(a.ID, uuid.New(), decimal.NewFromInt(520000), now)
	a.Apply(ev)

	assert.True(t, a.CurrentPrice.Equal(decimal.NewFromInt(520000)))
	assert.Equal(t, 1, a.BidCount)
	assert.True(t, a.MinimumNextBid().Equal(decimal.NewFromInt(530000)))
	assert.Equal(t, "active", bid.ParseAuctionStatus(a.Status.String()).String())
}
