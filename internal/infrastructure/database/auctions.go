package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

const auctionColumns = `id, seller_id, title, status, current_price::text, min_increment::text,
	bid_count, start_time, end_time, winner_id, created_at, updated_at`

// AuctionRepository implements bid.Repository and bid.History.
type AuctionRepository struct {
	db *DB
}

func NewAuctionRepository(db *DB) *AuctionRepository {
	return &AuctionRepository{db: db}
}

func scanAuction(row pgx.Row) (*bid.Auction, error) {
	var (
		a                bid.Auction
		status           string
		price, increment string
	)
	if err := row.Scan(&a.ID, &a.SellerID, &a.Title, &status, &price, &increment,
		&a.BidCount, &a.StartTime, &a.EndTime, &a.WinnerID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.CurrentPrice, err = parseDecimal(price); err != nil {
		return nil, err
	}
	if a.MinIncrement, err = parseDecimal(increment); err != nil {
		return nil, err
	}
	a.Status = bid.ParseAuctionStatus(status)
	a.StartTime, a.EndTime = a.StartTime.UTC(), a.EndTime.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return &a, nil
}

func scanEvent(row pgx.CollectableRow) (bid.Event, error) {
	var (
		ev     bid.Event
		amount string
	)
	if err := row.Scan(&ev.ID, &ev.AuctionID, &ev.BidderID, &amount, &ev.PlacedAt); err != nil {
		return ev, err
	}
	var err error
	ev.Amount, err = parseDecimal(amount)
	ev.PlacedAt = ev.PlacedAt.UTC()
	return ev, err
}

func auctionError(err error) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.ErrAuctionNotFound
	}
	return mapError(err, "auction")
}

func (r *AuctionRepository) GetAuction(ctx context.Context, id uuid.UUID) (a *bid.Auction, err error) {
	ctx, sp := startSpan(ctx, "select", "auctions")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		var qerr error
		a, qerr = scanAuction(r.db.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
		return qerr
	})
	if err != nil {
		return nil, auctionError(err)
	}
	return a, nil
}

func (r *AuctionRepository) SaveAuction(ctx context.Context, a *bid.Auction) (err error) {
	if a == nil || a.ID == uuid.Nil {
		return errors.NewValidationError("INVALID_AUCTION", "auction id is required")
	}
	ctx, sp := startSpan(ctx, "upsert", "auctions")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		_, qerr := r.db.pool.Exec(ctx, `
			INSERT INTO auctions (id, seller_id, title, status, current_price, min_increment,
				bid_count, start_time, end_time, winner_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				seller_id = EXCLUDED.seller_id,
				title = EXCLUDED.title,
				status = EXCLUDED.status,
				current_price = EXCLUDED.current_price,
				min_increment = EXCLUDED.min_increment,
				bid_count = EXCLUDED.bid_count,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				winner_id = EXCLUDED.winner_id,
				updated_at = EXCLUDED.updated_at`,
			a.ID, a.SellerID, a.Title, a.Status.String(), a.CurrentPrice.String(), a.MinIncrement.String(),
			a.BidCount, a.StartTime.UTC(), a.EndTime.UTC(), a.WinnerID, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
		return qerr
	})
	return mapError(err, "auction")
}

// CommitBid is a conditional update on current_price; the bid row is
// written in the same transaction.
func (r *AuctionRepository) CommitBid(ctx context.Context, ev bid.Event, expectedPrice decimal.Decimal) (a *bid.Auction, err error) {
	ctx, sp := startSpan(ctx, "commit_bid", "auctions")
	defer func() { sp.end(err) }()

	err = r.db.tx(ctx, func(tx pgx.Tx) error {
		var qerr error
		a, qerr = scanAuction(tx.QueryRow(ctx, `
			UPDATE auctions
			SET current_price = $2::numeric, bid_count = bid_count + 1, updated_at = $3
			WHERE id = $1 AND current_price = $4::numeric
			RETURNING `+auctionColumns,
			ev.AuctionID, ev.Amount.String(), ev.PlacedAt.UTC(), expectedPrice.String()))
		if stderrors.Is(qerr, pgx.ErrNoRows) {
			return priceConflict(ctx, tx, ev.AuctionID, expectedPrice)
		}
		if qerr != nil {
			return qerr
		}
		_, qerr = tx.Exec(ctx, `
			INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at)
			VALUES ($1, $2, $3, $4::numeric, $5)`,
			ev.ID, ev.AuctionID, ev.BidderID, ev.Amount.String(), ev.PlacedAt.UTC())
		return qerr
	})
	if err != nil {
		return nil, auctionError(err)
	}
	return a, nil
}

// priceConflict tells a missing auction apart from a moved price.
func priceConflict(ctx context.Context, tx pgx.Tx, id uuid.UUID, expected decimal.Decimal) error {
	var current string
	if err := tx.QueryRow(ctx, `SELECT current_price::text FROM auctions WHERE id = $1`, id).Scan(&current); err != nil {
		return err
	}
	return errors.NewConflictError("auction price changed").WithDetails(map[string]interface{}{
		"expected_price": expected.String(),
		"current_price":  current,
	})
}

// CloseAuction completes an active auction and records its highest bidder.
func (r *AuctionRepository) CloseAuction(ctx context.Context, id uuid.UUID) (a *bid.Auction, err error) {
	ctx, sp := startSpan(ctx, "close", "auctions")
	defer func() { sp.end(err) }()

	err = r.db.tx(ctx, func(tx pgx.Tx) error {
		var status string
		if qerr := tx.QueryRow(ctx, `SELECT status FROM auctions WHERE id = $1 FOR UPDATE`, id).Scan(&status); qerr != nil {
			return qerr
		}
		if bid.ParseAuctionStatus(status) != bid.AuctionStatusActive {
			return errors.NewConflictError("auction is not active")
		}
		var qerr error
		a, qerr = scanAuction(tx.QueryRow(ctx, `
			UPDATE auctions SET
				status = $2,
				winner_id = (SELECT bidder_id FROM bids WHERE auction_id = $1 ORDER BY seq DESC LIMIT 1),
				updated_at = $3
			WHERE id = $1
			RETURNING `+auctionColumns,
			id, bid.AuctionStatusCompleted.String(), time.Now().UTC()))
		return qerr
	})
	if err != nil {
		return nil, auctionError(err)
	}
	return a, nil
}

func (r *AuctionRepository) queryEvents(ctx context.Context, sql string, args ...interface{}) ([]bid.Event, error) {
	var out []bid.Event
	err := r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, sql, args...)
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, scanEvent)
		return qerr
	})
	if err != nil {
		return nil, mapError(err, "bid")
	}
	if out == nil {
		out = []bid.Event{}
	}
	return out, nil
}

func (r *AuctionRepository) SubjectBids(ctx context.Context, subject uuid.UUID, limit int) (events []bid.Event, err error) {
	ctx, sp := startSpan(ctx, "select", "bids")
	defer func() { sp.end(err) }()
	return r.queryEvents(ctx, `
		SELECT id, auction_id, bidder_id, amount::text, placed_at
		FROM bids WHERE bidder_id = $1
		ORDER BY seq DESC
		LIMIT $2`, subject, limitArg(limit))
}

func (r *AuctionRepository) AuctionBids(ctx context.Context, auctionID uuid.UUID) (events []bid.Event, err error) {
	ctx, sp := startSpan(ctx, "select", "bids")
	defer func() { sp.end(err) }()
	return r.queryEvents(ctx, `
		SELECT id, auction_id, bidder_id, amount::text, placed_at
		FROM bids WHERE auction_id = $1
		ORDER BY seq`, auctionID)
}

func (r *AuctionRepository) count(ctx context.Context, table, sql string, args ...interface{}) (n int, err error) {
	ctx, sp := startSpan(ctx, "count", table)
	defer func() { sp.end(err) }()
	err = r.db.run(func() error {
		return r.db.pool.QueryRow(ctx, sql, args...).Scan(&n)
	})
	return n, mapError(err, table)
}

func (r *AuctionRepository) SubjectBidCount(ctx context.Context, subject uuid.UUID) (int, error) {
	return r.count(ctx, "bids", `SELECT count(*) FROM bids WHERE bidder_id = $1`, subject)
}

func (r *AuctionRepository) SubjectWinCount(ctx context.Context, subject uuid.UUID) (int, error) {
	return r.count(ctx, "auctions", `SELECT count(*) FROM auctions WHERE winner_id = $1`, subject)
}

func (r *AuctionRepository) SellerAffinity(ctx context.Context, subject, seller uuid.UUID) (aff bid.SellerAffinity, err error) {
	ctx, sp := startSpan(ctx, "select", "bids")
	defer func() { sp.end(err) }()

	err = r.db.run(func() error {
		return r.db.pool.QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM auctions WHERE seller_id = $2),
				count(DISTINCT b.auction_id),
				count(b.id)
			FROM bids b
			JOIN auctions a ON a.id = b.auction_id
			WHERE b.bidder_id = $1 AND a.seller_id = $2`,
			subject, seller).Scan(&aff.SellerAuctions, &aff.ParticipatedAuctions, &aff.BidsOnSeller)
	})
	return aff, mapError(err, "bid")
}

func (r *AuctionRepository) CoBidders(ctx context.Context, subject, auctionID uuid.UUID) (out map[uuid.UUID]int, err error) {
	ctx, sp := startSpan(ctx, "select", "bids")
	defer func() { sp.end(err) }()

	out = make(map[uuid.UUID]int)
	err = r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, `
			WITH mine AS (
				SELECT DISTINCT auction_id FROM bids WHERE bidder_id = $1
			), others AS (
				SELECT DISTINCT bidder_id FROM bids WHERE auction_id = $2 AND bidder_id <> $1
			)
			SELECT o.bidder_id, count(DISTINCT m.auction_id)
			FROM others o
			LEFT JOIN bids b ON b.bidder_id = o.bidder_id
			LEFT JOIN mine m ON m.auction_id = b.auction_id
			GROUP BY o.bidder_id`, subject, auctionID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		for rows.Next() {
			var (
				other  uuid.UUID
				shared int
			)
			if qerr := rows.Scan(&other, &shared); qerr != nil {
				return qerr
			}
			out[other] = shared
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapError(err, "bid")
	}
	return out, nil
}

func (r *AuctionRepository) queryAuctions(ctx context.Context, sql string, args ...interface{}) ([]*bid.Auction, error) {
	var out []*bid.Auction
	err := r.db.run(func() error {
		rows, qerr := r.db.pool.Query(ctx, sql, args...)
		if qerr != nil {
			return qerr
		}
		out, qerr = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*bid.Auction, error) {
			return scanAuction(row)
		})
		return qerr
	})
	if err != nil {
		return nil, mapError(err, "auction")
	}
	return out, nil
}

func (r *AuctionRepository) Auctions(ctx context.Context, ids []uuid.UUID) (out map[uuid.UUID]*bid.Auction, err error) {
	out = make(map[uuid.UUID]*bid.Auction, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, sp := startSpan(ctx, "select", "auctions")
	defer func() { sp.end(err) }()

	list, err := r.queryAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = ANY($1::uuid[])`, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		out[a.ID] = a
	}
	return out, nil
}

// ListAuctions returns every auction ordered by end time.
func (r *AuctionRepository) ListAuctions(ctx context.Context) (out []*bid.Auction, err error) {
	ctx, sp := startSpan(ctx, "select", "auctions")
	defer func() { sp.end(err) }()
	out, err = r.queryAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions ORDER BY end_time, id`)
	if out == nil && err == nil {
		out = []*bid.Auction{}
	}
	return out, err
}
