package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"entitlement-api/pkg/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseStore grants short exclusive leases on keys.
type LeaseStore interface {
	// Acquire reports whether the caller now holds key for ttl. The token
	// identifies this holder and must be passed back to Release.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops key only while token still holds it; a lease that lapsed
	// and was taken by someone else is left alone.
	Release(ctx context.Context, key, token string) error
}

// 仅当值仍为本持有者的令牌时才删除，避免误删他人在过期后重新获取的租约
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseStore 基于 Redis 的租约存储，多实例共享
type RedisLeaseStore struct {
	client *redis.Client
	prefix string
}

func NewRedisLeaseStore(client *redis.Client, prefix string) *RedisLeaseStore {
	return &RedisLeaseStore{client: client, prefix: prefix}
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lease acquire: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisLeaseStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLeaseStore 进程内租约存储
// 仅能对落在同一实例上的重复投递去重
type MemoryLeaseStore struct {
	leases          map[string]memoryLease
	mutex           sync.Mutex
	cleanupInterval time.Duration
	now             func() time.Time
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryLeaseStore 创建进程内租约存储，并启动清理协程
// 使用完毕需调用 Stop
func NewMemoryLeaseStore(cleanupInterval time.Duration) *MemoryLeaseStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryLeaseStore{
		leases:          make(map[string]memoryLease),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}
	go s.startCleanupRoutine()
	return s
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if lease, held := s.leases[key]; held && now.Before(lease.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	s.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, key, token string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if lease, held := s.leases[key]; held && lease.token == token {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryLeaseStore) startCleanupRoutine() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期的租约
func (s *MemoryLeaseStore) cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	initialCount := len(s.leases)
	for key, lease := range s.leases {
		if !now.Before(lease.expiresAt) {
			delete(s.leases, key)
		}
	}
	if cleaned := initialCount - len(s.leases); cleaned > 0 {
		logging.Infof("Lease cleanup: removed %d lapsed leases, remaining: %d", cleaned, len(s.leases))
	}
}

// Len 返回当前记录的租约数（含已过期未清理的）
func (s *MemoryLeaseStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.leases)
}

// Stop 停止清理协程
func (s *MemoryLeaseStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}
