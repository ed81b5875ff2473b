package lsm

import (
	"container/list"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// RecordCache is an LRU cache for hot point reads, keyed by timestamp.
type RecordCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[int64]*list.Element
	lru      *list.List

	hits   int64
	misses int64
}

type cacheEntry struct {
	ts  int64
	rec *record.Record
}

// NewRecordCache creates an LRU cache holding up to capacity records.
func NewRecordCache(capacity int) *RecordCache {
	return &RecordCache{
		capacity: capacity,
		cache:    make(map[int64]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a cached record by timestamp.
func (rc *RecordCache) Get(ts int64) (*record.Record, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if elem, ok := rc.cache[ts]; ok {
		rc.lru.MoveToFront(elem)
		rc.hits++
		return elem.Value.(*cacheEntry).rec, true
	}

	rc.misses++
	return nil, false
}

// Put adds a record to the cache.
func (rc *RecordCache) Put(ts int64, rec *record.Record) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if elem, ok := rc.cache[ts]; ok {
		rc.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).rec = rec
		return
	}

	elem := rc.lru.PushFront(&cacheEntry{ts: ts, rec: rec})
	rc.cache[ts] = elem

	if rc.lru.Len() > rc.capacity {
		rc.evict()
	}
}

func (rc *RecordCache) evict() {
	elem := rc.lru.Back()
	if elem != nil {
		rc.lru.Remove(elem)
		delete(rc.cache, elem.Value.(*cacheEntry).ts)
	}
}

// Invalidate removes an entry, used when a timestamp is overwritten.
func (rc *RecordCache) Invalidate(ts int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if elem, ok := rc.cache[ts]; ok {
		rc.lru.Remove(elem)
		delete(rc.cache, ts)
	}
}

// Clear removes all entries.
func (rc *RecordCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cache = make(map[int64]*list.Element)
	rc.lru = list.New()
	rc.hits = 0
	rc.misses = 0
}

// Stats returns hit/miss counters and the hit rate.
func (rc *RecordCache) Stats() (hits, misses int64, hitRate float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	hits = rc.hits
	misses = rc.misses
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// Len returns the current number of cached records.
func (rc *RecordCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lru.Len()
}
