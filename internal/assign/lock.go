package assign

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock arbitrates concurrent accept attempts for one trip id. It is a
// fast-path gate in front of the store's compare-and-swap, not the source of
// truth: if the lock store is lost the database CAS still holds the
// single-winner invariant.
type Lock interface {
	// Acquire returns ok=true when the caller now holds the trip lock.
	// When ok=false, holder is the driver currently holding it.
	Acquire(ctx context.Context, tripID, driverID string, ttl time.Duration) (ok bool, holder string, err error)
	Release(ctx context.Context, tripID, driverID string) error
}

// RedisLock implements Lock with SET NX and a compare-and-delete release so
// a lock can only be freed by its holder.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLock) Acquire(ctx context.Context, tripID, driverID string, ttl time.Duration) (bool, string, error) {
	key := lockKey(tripID)
	ok, err := l.client.SetNX(ctx, key, driverID, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, driverID, nil
	}
	holder, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// holder vanished between SETNX and GET; treat as contended
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, holder, nil
}

func (l *RedisLock) Release(ctx context.Context, tripID, driverID string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKey(tripID)}, driverID).Err()
}

func lockKey(tripID string) string { return "trip:lock:" + tripID }

// MemoryLock is the in-process Lock for tests and single-node runs.
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]memoryLockEntry
}

type memoryLockEntry struct {
	holder  string
	expires time.Time
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]memoryLockEntry)}
}

func (l *MemoryLock) Acquire(_ context.Context, tripID, driverID string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[tripID]
	if ok && time.Now().Before(e.expires) {
		return false, e.holder, nil
	}
	l.locks[tripID] = memoryLockEntry{holder: driverID, expires: time.Now().Add(ttl)}
	return true, driverID, nil
}

func (l *MemoryLock) Release(_ context.Context, tripID, driverID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[tripID]; ok && e.holder == driverID {
		delete(l.locks, tripID)
	}
	return nil
}
