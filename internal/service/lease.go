package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLeaseNotObtained means another worker holds the campaign's lease
	ErrLeaseNotObtained = errors.New("campaign lease is held by another worker")

	// ErrLeaseLost means a held lease expired or passed to another owner.
	// Other Refresh errors are transport failures and may be retried.
	ErrLeaseLost = errors.New("campaign lease lost")
)

// Lease is an exclusive, expiring claim on one campaign
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out campaign leases
type Locker interface {
	Acquire(ctx context.Context, campaignID string) (Lease, error)
}

// RedisLocker implements Locker with Redis-backed locks
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker whose leases expire after ttl unless refreshed
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
	}
}

// LeaseKey returns the Redis key guarding a campaign
func LeaseKey(campaignID string) string {
	return fmt.Sprintf("campaign-delivery:%s", campaignID)
}

// Acquire obtains the campaign lease without waiting
func (l *RedisLocker) Acquire(ctx context.Context, campaignID string) (Lease, error) {
	lock, err := l.client.Obtain(ctx, LeaseKey(campaignID), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLeaseNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain campaign lease: %w", err)
	}
	return &redisLease{lock: lock, ttl: l.ttl}, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	err := l.lock.Refresh(ctx, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to refresh campaign lease: %w", err)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("failed to release campaign lease: %w", err)
	}
	return nil
}
