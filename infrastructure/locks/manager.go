// Package locks provides advisory, single-holder, TTL-bounded locks scoped
// to a flow id and purpose. A crashed holder cannot deadlock a flow: every
// lock expires, and a single sweeper reclaims expired entries.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

// purposeTTLs bounds how long each kind of lock may be held. The processing
// lock spans the whole charge confirmation call, so it gets the longest TTL.
var purposeTTLs = map[ports.LockPurpose]time.Duration{
	ports.LockPurposeProcessing:     30 * time.Second,
	ports.LockPurposeRename:         10 * time.Second,
	ports.LockPurposeCleanup:        5 * time.Second,
	ports.LockPurposeInitialization: 10 * time.Second,
}

const defaultTTL = 10 * time.Second

// lockKey is the typed key: flow id plus purpose
type lockKey struct {
	flowID  string
	purpose ports.LockPurpose
}

type lockRecord struct {
	lockID     string
	acquiredAt time.Time
	expiresAt  time.Time
}

// Manager hands out locks from a concurrent map. One sweeper ticker reclaims
// expired entries instead of one timer per lock.
type Manager struct {
	mu     sync.Mutex
	locks  map[lockKey]*lockRecord
	logger *zap.Logger

	sweepInterval time.Duration
	stop          chan struct{}
	stopped       chan struct{}
	once          sync.Once
}

// NewManager creates a lock manager and starts its expiry sweeper
func NewManager(logger *zap.Logger) *Manager {
	m := &Manager{
		locks:         make(map[lockKey]*lockRecord),
		logger:        logger,
		sweepInterval: time.Second,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go m.sweep()

	return m
}

// Acquire attempts to take the (flowID, purpose) lock. Contention fails
// immediately with a lock-contention error; the lock layer never queues.
func (m *Manager) Acquire(ctx context.Context, flowID string, purpose ports.LockPurpose) (ports.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.NewTimeoutError("lock acquire").WithCause(err)
	}
	if flowID == "" {
		return nil, pkgerrors.NewValidationError("flowID is required to acquire a lock")
	}

	ttl, ok := purposeTTLs[purpose]
	if !ok {
		ttl = defaultTTL
	}

	key := lockKey{flowID: flowID, purpose: purpose}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, held := m.locks[key]; held && now.Before(existing.expiresAt) {
		m.logger.Debug("lock contention",
			zap.String("flowID", flowID),
			zap.String("purpose", string(purpose)),
			zap.Time("heldUntil", existing.expiresAt),
		)
		return nil, pkgerrors.NewLockContentionError(flowID, string(purpose))
	}

	record := &lockRecord{
		lockID:     uuid.New().String(),
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	}
	m.locks[key] = record

	m.logger.Debug("lock acquired",
		zap.String("flowID", flowID),
		zap.String("purpose", string(purpose)),
		zap.Duration("ttl", ttl),
	)

	return &heldLock{manager: m, key: key, lockID: record.lockID}, nil
}

// IsHeld reports whether a live (non-expired) lock exists for the key
func (m *Manager) IsHeld(flowID string, purpose ports.LockPurpose) bool {
	key := lockKey{flowID: flowID, purpose: purpose}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, held := m.locks[key]
	return held && time.Now().Before(record.expiresAt)
}

// release removes the lock if it is still the same acquisition. Releasing a
// lock that expired and was re-acquired by someone else is a no-op.
func (m *Manager) release(key lockKey, lockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, held := m.locks[key]
	if !held || record.lockID != lockID {
		return
	}
	delete(m.locks, key)

	m.logger.Debug("lock released",
		zap.String("flowID", key.flowID),
		zap.String("purpose", string(key.purpose)),
	)
}

// sweep reclaims expired locks on one shared ticker
func (m *Manager) sweep() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, record := range m.locks {
				if now.After(record.expiresAt) {
					delete(m.locks, key)
					m.logger.Warn("lock expired without release",
						zap.String("flowID", key.flowID),
						zap.String("purpose", string(key.purpose)),
						zap.Duration("heldFor", now.Sub(record.acquiredAt)),
					)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the sweeper
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stop)
		<-m.stopped
	})
}

// heldLock is one acquisition. Release is idempotent.
type heldLock struct {
	manager  *Manager
	key      lockKey
	lockID   string
	released sync.Once
}

// Release releases the lock
func (l *heldLock) Release() {
	l.released.Do(func() {
		l.manager.release(l.key, l.lockID)
	})
}

// String describes the lock for logging
func (l *heldLock) String() string {
	return fmt.Sprintf("lock(%s/%s)", l.key.flowID, l.key.purpose)
}
