package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes quota mutations per subscriber.
type Locker interface {
	// Lock blocks until the subscriber's lock is held or ctx is done.
	Lock(ctx context.Context, subscriberID string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. It is only correct when a single
// enforcer instance runs against the database.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]*slot{}}
}

func (l *LocalLocker) Lock(ctx context.Context, subscriberID string) (func(), error) {
	l.mu.Lock()
	s := l.slots[subscriberID]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[subscriberID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(subscriberID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(subscriberID, s)
		})
	}, nil
}

func (l *LocalLocker) release(subscriberID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, subscriberID)
	}
}

// RedisClient is the subset of *redis.Client the lock needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisLocker is a lease lock shared by every enforcer instance. TTL must exceed
// the publish timeout so a lease cannot lapse mid-publish.
type RedisLocker struct {
	Client RedisClient
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{Client: client, Prefix: "publish-enforcer:quota:", TTL: ttl, Retry: 50 * time.Millisecond}
}

var errLockNotAcquired = errors.New("quota lock not acquired")

func (l *RedisLocker) Lock(ctx context.Context, subscriberID string) (func(), error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	retry := l.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	key := l.Prefix + subscriberID
	token := uuid.NewString()

	for {
		ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(errLockNotAcquired, ctx.Err())
		case <-time.After(retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = l.Client.Eval(rctx, releaseScript, []string{key}, token).Err()
		})
	}, nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
