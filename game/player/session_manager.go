package player

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

// SessionManager indexes live sessions by account. It is the authority's
// outbound transport: the inventory registry hands it commands through
// SendToPeer.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*PlayerSession
	logger   *zap.Logger
}

func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{sessions: make(map[int64]*PlayerSession), logger: logger}
}

// Register makes s the session for its account. A session it replaces is
// closed and returned.
func (sm *SessionManager) Register(s *PlayerSession) *PlayerSession {
	sm.mu.Lock()
	old := sm.sessions[s.AccountID]
	sm.sessions[s.AccountID] = s
	sm.mu.Unlock()

	if old != nil {
		old.Close()
		sm.logger.Info("session displaced by new login", zap.Int64("account_id", s.AccountID))
	}
	sm.logger.Info("peer session registered",
		zap.Int64("account_id", s.AccountID),
		zap.String("username", s.Username))
	return old
}

// Unregister removes s only while it is still current, so a displaced
// session cannot tear down its replacement.
func (sm *SessionManager) Unregister(s *PlayerSession) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessions[s.AccountID] != s {
		return false
	}
	delete(sm.sessions, s.AccountID)
	return true
}

// Get returns the session for an account, or nil.
func (sm *SessionManager) Get(accountID int64) *PlayerSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[accountID]
}

func (sm *SessionManager) IsOnline(accountID int64) bool { return sm.Get(accountID) != nil }

func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// All returns the live sessions ordered by account.
func (sm *SessionManager) All() []*PlayerSession {
	sm.mu.RLock()
	out := make([]*PlayerSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// SendToPeer queues pkt for one peer. Packets for peers that are offline
// are dropped; a reconnecting peer resubscribes and gets fresh snapshots.
func (sm *SessionManager) SendToPeer(peer int64, pkt *protocol.Packet) {
	s := sm.Get(peer)
	if s == nil {
		sm.logger.Debug("packet for offline peer dropped",
			zap.Int64("account_id", peer),
			zap.String("type", pkt.Type))
		return
	}
	s.Send(pkt)
}

// CloseAll closes every session and waits until their read loops have
// unregistered them or ctx ends. It returns how many remain registered.
func (sm *SessionManager) CloseAll(ctx context.Context) int {
	sessions := sm.All()
	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		n := sm.Count()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-tick.C:
		}
	}
}
