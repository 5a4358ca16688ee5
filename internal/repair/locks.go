package repair

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockToken proves ownership of a project's repair lock. SessionID and
// Attempt follow the repair that holds it.
type LockToken struct {
	Key        string
	ID         string
	SessionID  string
	Attempt    int
	AcquiredAt time.Time
}

// Locks is in-memory mutual exclusion per project key. It only means
// anything while this process is alive; the on-disk lock record covers
// supervisor restarts.
type Locks struct {
	mu   sync.Mutex
	held map[string]*LockToken
	now  func() time.Time
}

func NewLocks() *Locks {
	return &Locks{held: map[string]*LockToken{}, now: time.Now}
}

// Acquire returns nil when key is already held. Callers never wait.
func (locks *Locks) Acquire(key string) *LockToken {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	if _, held := locks.held[key]; held {
		return nil
	}
	token := &LockToken{Key: key, ID: uuid.NewString(), AcquiredAt: locks.now()}
	locks.held[key] = token
	return token
}

// Release drops the lock for key. Releasing an unheld key is a no-op.
func (locks *Locks) Release(key string) {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	delete(locks.held, key)
}

// ReleaseToken releases only if token still owns the lock, so a late
// release cannot free a lock someone else acquired since.
func (locks *Locks) ReleaseToken(token *LockToken) bool {
	if token == nil {
		return false
	}
	locks.mu.Lock()
	defer locks.mu.Unlock()
	if current, held := locks.held[token.Key]; held && current.ID == token.ID {
		delete(locks.held, token.Key)
		return true
	}
	return false
}

// Bind records the repair session holding token's lock.
func (locks *Locks) Bind(token *LockToken, sessionID string) {
	if token == nil {
		return
	}
	locks.mu.Lock()
	defer locks.mu.Unlock()
	token.SessionID = sessionID
}

// SetAttempt records the attempt counter of the repair holding token's lock.
func (locks *Locks) SetAttempt(token *LockToken, attempt int) {
	if token == nil {
		return
	}
	locks.mu.Lock()
	defer locks.mu.Unlock()
	token.Attempt = attempt
}

// Holder returns a copy of the token currently holding key.
func (locks *Locks) Holder(key string) (LockToken, bool) {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	token, held := locks.held[key]
	if !held {
		return LockToken{}, false
	}
	return *token, true
}

func (locks *Locks) IsLocked(key string) bool {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	_, held := locks.held[key]
	return held
}

// Held lists the keys currently locked.
func (locks *Locks) Held() []string {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	keys := make([]string, 0, len(locks.held))
	for key := range locks.held {
		keys = append(keys, key)
	}
	return keys
}
