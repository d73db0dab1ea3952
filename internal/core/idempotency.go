package core

import (
	"container/list"
	"fmt"

	"github.com/rs/zerolog"
)

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU
// for the hot path and the persisted event log behind it.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	logger    zerolog.Logger

	tier2Errors int64
}

// DBIdempotencyChecker looks a key up in the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		logger:    logger,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate reports whether the command was already applied, and which
// tier said so ("lru" or "db").
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, string) {
	key := compositeKey(eventType, idempotencyKey)
	if ic.lru.Contains(key) {
		return true, "lru"
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Assume not a duplicate: a database outage must not stall the
			// processor, and the unique key in the event log still guards
			// against a double write.
			ic.tier2Errors++
			ic.logger.Warn().Err(err).Str("key", key).Msg("idempotency lookup failed")
			return false, ""
		}
		if isDup {
			ic.lru.Add(key)
			return true, "db"
		}
	}
	return false, ""
}

// SetDBChecker installs (or, with nil, removes) the event-log tier.
func (ic *IdempotencyChecker) SetDBChecker(db DBIdempotencyChecker) {
	ic.dbChecker = db
}

// MarkProcessed records an applied command.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

// Warm preloads composite keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// RecentKeys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) RecentKeys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int          { return ic.lru.Size() }
func (ic *IdempotencyChecker) Evictions() int64   { return ic.lru.Evictions() }
func (ic *IdempotencyChecker) Tier2Errors() int64 { return ic.tier2Errors }

// IdempotencyLRU is a bounded set of recently applied keys.
// Not thread-safe: only the processor goroutine touches it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks for key and promotes it on a hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts or promotes key.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads keys oldest first, so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns keys from least to most recently used.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (lru *IdempotencyLRU) Size() int        { return lru.lruList.Len() }
func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
