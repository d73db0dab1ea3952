package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"CDPLedger/internal/core"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "cdp"
	historyCap    = 500
	scanBatch     = 500
)

// RedisStore is the Redis read model:
//
//	<prefix>:position:<owner>  JSON PositionView
//	<prefix>:risk              sorted set of active owners scored by NICR
//	<prefix>:system            JSON SystemState
//	<prefix>:history:<owner>   newest-first list of HistoryEntry, capped
//	<prefix>:watermark         last applied sequence
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) positionKey(owner common.Address) string {
	return fmt.Sprintf("%s:position:%s", s.prefix, owner.Hex())
}
func (s *RedisStore) historyKey(owner common.Address) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, owner.Hex())
}
func (s *RedisStore) riskKey() string      { return s.prefix + ":risk" }
func (s *RedisStore) systemKey() string    { return s.prefix + ":system" }
func (s *RedisStore) watermarkKey() string { return s.prefix + ":watermark" }

// Apply writes the update in one MULTI/EXEC so readers never see a half
// applied sequence.
func (s *RedisStore) Apply(ctx context.Context, u *Update) error {
	var stale []string
	if u.Reset {
		keys, err := s.keys(ctx)
		if err != nil {
			return err
		}
		stale = keys
	}

	sys, err := json.Marshal(u.System)
	if err != nil {
		return fmt.Errorf("marshal system: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range stale {
			// History survives a rebuild; it cannot be recomputed from the ledger.
			if !s.isHistoryKey(k) {
				pipe.Del(ctx, k)
			}
		}
		for _, p := range u.Positions {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal position %s: %w", p.Owner.Hex(), err)
			}
			pipe.Set(ctx, s.positionKey(p.Owner), data, 0)
			if p.Status == state.StatusActive.String() {
				pipe.ZAdd(ctx, s.riskKey(), redis.Z{Score: p.NICR.Float64(), Member: p.Owner.Hex()})
			} else {
				pipe.ZRem(ctx, s.riskKey(), p.Owner.Hex())
			}
		}
		for _, h := range u.History {
			data, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("marshal history: %w", err)
			}
			pipe.LPush(ctx, s.historyKey(h.Owner), data)
			pipe.LTrim(ctx, s.historyKey(h.Owner), 0, historyCap-1)
		}
		pipe.Set(ctx, s.systemKey(), sys, 0)
		pipe.Set(ctx, s.watermarkKey(), u.Sequence, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis apply seq %d: %w", u.Sequence, err)
	}
	return nil
}

func (s *RedisStore) isHistoryKey(k string) bool {
	p := s.prefix + ":history:"
	return len(k) > len(p) && k[:len(p)] == p
}

func (s *RedisStore) keys(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// ============================================================================
// Reads
// ============================================================================

// ErrNotProjected means the key is absent from the read model.
var ErrNotProjected = errors.New("not in projection")

func (s *RedisStore) Position(ctx context.Context, owner common.Address) (*core.PositionView, error) {
	var v core.PositionView
	if err := s.getJSON(ctx, s.positionKey(owner), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) System(ctx context.Context) (*SystemState, error) {
	var v SystemState
	if err := s.getJSON(ctx, s.systemKey(), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Riskiest returns up to n active owners from the lowest NICR upward.
func (s *RedisStore) Riskiest(ctx context.Context, n int64) ([]common.Address, error) {
	members, err := s.rdb.ZRange(ctx, s.riskKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	out := make([]common.Address, 0, len(members))
	for _, m := range members {
		out = append(out, common.HexToAddress(m))
	}
	return out, nil
}

// History returns up to n entries for owner, newest first.
func (s *RedisStore) History(ctx context.Context, owner common.Address, n int64) ([]HistoryEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.historyKey(owner), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var h HistoryEntry
		if err := json.Unmarshal([]byte(r), &h); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Watermark returns the last applied sequence, -1 if nothing was projected.
func (s *RedisStore) Watermark(ctx context.Context) (int64, error) {
	v, err := s.rdb.Get(ctx, s.watermarkKey()).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get watermark: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotProjected
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}
