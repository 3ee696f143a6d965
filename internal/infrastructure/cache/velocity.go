package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

const DefaultKeyPrefix = "aib:velocity:"

// VelocityStore keeps bid windows in Redis sorted sets so every API replica
// counts the same events. Each subject has one global set whose members
// carry the auction id, plus one set per auction. Scores are unix nanos.
type VelocityStore struct {
	client    redis.UniversalClient
	prefix    string
	maxWindow time.Duration
	logger    *zap.Logger
}

func NewVelocityStore(client redis.UniversalClient, prefix string, maxWindow time.Duration, logger *zap.Logger) *VelocityStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if maxWindow <= 0 {
		maxWindow = velocity.DefaultMaxWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VelocityStore{client: client, prefix: prefix, maxWindow: maxWindow, logger: logger}
}

func (s *VelocityStore) globalKey(subject uuid.UUID) string {
	return s.prefix + "g:" + subject.String()
}

func (s *VelocityStore) auctionKey(subject, auctionID uuid.UUID) string {
	return s.prefix + "a:" + subject.String() + ":" + auctionID.String()
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Record adds the event to both windows, trims anything older than the
// retention window and refreshes the key TTLs in one transaction.
func (s *VelocityStore) Record(ctx context.Context, subject, auctionID uuid.UUID, at time.Time) error {
	if subject == uuid.Nil || auctionID == uuid.Nil {
		return errors.NewValidationError("INVALID_VELOCITY_EVENT", "subject and auction are required")
	}
	at = at.UTC()
	cutoff := velocity.WindowStart(at, s.maxWindow)
	// Members must be unique per event; two bids in the same nanosecond are still two bids.
	member := fmt.Sprintf("%d|%s|%s", at.UnixNano(), auctionID, uuid.NewString())
	z := redis.Z{Score: float64(at.UnixNano()), Member: member}
	ttl := s.maxWindow + time.Minute

	gk, ak := s.globalKey(subject), s.auctionKey(subject, auctionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, gk, z)
		pipe.ZAdd(ctx, ak, z)
		pipe.ZRemRangeByScore(ctx, gk, "-inf", "("+score(cutoff))
		pipe.ZRemRangeByScore(ctx, ak, "-inf", "("+score(cutoff))
		pipe.Expire(ctx, gk, ttl)
		pipe.Expire(ctx, ak, ttl)
		return nil
	})
	if err != nil {
		s.logger.Error("velocity record failed",
			zap.String("subject_id", subject.String()),
			zap.String("auction_id", auctionID.String()),
			zap.Error(err))
		return errors.NewTransientError("velocity", "velocity store unavailable").WithCause(err)
	}
	return nil
}

func (s *VelocityStore) CountSince(ctx context.Context, q velocity.Query) (velocity.Count, error) {
	if err := q.Validate(s.maxWindow); err != nil {
		return velocity.Count{}, err
	}
	now := q.Now.UTC()
	from, to := score(velocity.WindowStart(now, q.Window)), score(now)

	if q.Scope == velocity.ScopeAuction {
		n, err := s.client.ZCount(ctx, s.auctionKey(q.Subject, q.AuctionID), from, to).Result()
		if err != nil {
			return velocity.Count{}, s.unavailable(q, err)
		}
		c := velocity.Count{Events: int(n)}
		if n > 0 {
			c.DistinctAuctions = 1
		}
		return c, nil
	}

	members, err := s.client.ZRangeByScore(ctx, s.globalKey(q.Subject), &redis.ZRangeBy{Min: from, Max: to}).Result()
	if err != nil {
		return velocity.Count{}, s.unavailable(q, err)
	}
	seen := make(map[string]struct{})
	for _, m := range members {
		parts := strings.SplitN(m, "|", 3)
		if len(parts) == 3 {
			seen[parts[1]] = struct{}{}
		}
	}
	return velocity.Count{Events: len(members), DistinctAuctions: len(seen)}, nil
}

func (s *VelocityStore) unavailable(q velocity.Query, err error) error {
	s.logger.Error("velocity count failed",
		zap.String("subject_id", q.Subject.String()),
		zap.String("scope", string(q.Scope)),
		zap.Error(err))
	return errors.NewTransientError("velocity", "velocity store unavailable").WithCause(err)
}

// Reset drops every window of the subject.
func (s *VelocityStore) Reset(ctx context.Context, subject uuid.UUID) error {
	pattern := s.prefix + "a:" + subject.String() + ":*"
	keys := []string{s.globalKey(subject)}

	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return errors.NewTransientError("velocity", "velocity store unavailable").WithCause(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.NewTransientError("velocity", "velocity store unavailable").WithCause(err)
	}
	s.logger.Debug("velocity windows reset", zap.String("subject_id", subject.String()), zap.Int("keys", len(keys)))
	return nil
}
