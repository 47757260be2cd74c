// Package ledger records bets and their outcomes per user, grouped into
// sessions. It is the only component that mutates raw event history;
// everything downstream (statistics, alerts, trust) works from immutable
// snapshots handed out by RecordOutcome.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiltcheck/fairwatch/internal/idgen"
	"github.com/tiltcheck/fairwatch/internal/syncutil"
)

// Sentinel errors for the ingestion contract. HTTP layers translate these
// with errors.Is; asynchronous paths never see them.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrAlreadySettled = errors.New("bet already settled")
)

// Bet is a single wager within a session. Outcome is nil until settled.
type Bet struct {
	Amount   float64
	GameType string
	PlacedAt time.Time
	Outcome  *Outcome
}

// Outcome is the result attached to a bet. Amount is 0 for a loss.
// Immutable once attached.
type Outcome struct {
	Amount    float64
	SettledAt time.Time
}

// BetRef identifies a bet for outcome attachment.
type BetRef struct {
	SessionID string `json:"sessionId"`
	BetIndex  int    `json:"betIndex"`
}

// session is the mutable per-(user, operator) bet history. Never escapes
// the package; callers get Snapshot copies.
type session struct {
	id           string
	userID       string
	operatorID   string
	startedAt    time.Time
	lastActivity time.Time
	bets         []Bet
	totalWagered float64
	totalWon     float64 // over settled bets only
	gameTypes    map[string]struct{}
}

// userTotals tracks a user's lifetime figures across all sessions.
type userTotals struct {
	totalBets    int
	totalWagered float64
	totalWon     float64
	sessionCount int
}

// CompletedBet is one settled wager in a session snapshot.
type CompletedBet struct {
	Wagered  float64
	Returned float64
	GameType string
}

// Snapshot is an immutable copy of a session's settled-bet history,
// handed to the statistics engine after each outcome.
type Snapshot struct {
	SessionID    string
	UserID       string
	OperatorID   string
	StartedAt    time.Time
	LastActivity time.Time
	TotalWagered float64 // across all bets, settled or pending
	TotalWon     float64 // across settled bets only
	PendingBets  int
	Completed    []CompletedBet
	GameTypes    []string
}

// UserStats summarizes a user's lifetime play across sessions.
type UserStats struct {
	UserID       string  `json:"userId"`
	TotalBets    int     `json:"totalBets"`
	TotalWagered float64 `json:"totalWagered"`
	TotalWon     float64 `json:"totalWon"`
	NetProfit    float64 `json:"netProfit"`
	ObservedRTP  float64 `json:"observedRtp"`
	SessionCount int     `json:"sessionCount"`
}

// Ledger holds all sessions and user totals. Mutations to a session are
// serialized under its (user, operator) pair lock; independent pairs never
// contend on a shared lock.
type Ledger struct {
	idleTimeout time.Duration

	locks syncutil.ShardedMutex

	mu       sync.RWMutex // guards the three maps below, not session contents
	sessions map[string]*session
	active   map[string]string // pair key -> active session id
	users    map[string]*userTotals
}

// New creates an empty ledger. idleTimeout is the gap after which a new
// bet on the same (user, operator) pair starts a new session.
func New(idleTimeout time.Duration) *Ledger {
	return &Ledger{
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
		active:      make(map[string]string),
		users:       make(map[string]*userTotals),
	}
}

func pairKey(userID, operatorID string) string {
	return userID + "\x00" + operatorID
}

// RecordBet appends a bet for (user, operator), starting a new session when
// none is active or the idle timeout has elapsed since the last bet.
func (l *Ledger) RecordBet(userID, operatorID, gameType string, amount float64, ts time.Time) (BetRef, error) {
	if userID == "" || operatorID == "" {
		return BetRef{}, fmt.Errorf("%w: user and operator IDs are required", ErrInvalidInput)
	}
	if amount <= 0 {
		return BetRef{}, fmt.Errorf("%w: bet amount must be positive, got %v", ErrInvalidInput, amount)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	key := pairKey(userID, operatorID)
	unlock := l.locks.Lock(key)
	defer unlock()

	sess := l.activeSession(key)
	if sess == nil || ts.Sub(sess.lastActivity) > l.idleTimeout {
		sess = &session{
			id:           idgen.WithPrefix("sess_"),
			userID:       userID,
			operatorID:   operatorID,
			startedAt:    ts,
			lastActivity: ts,
			gameTypes:    make(map[string]struct{}),
		}
		l.mu.Lock()
		l.sessions[sess.id] = sess
		l.active[key] = sess.id
		u := l.user(userID)
		u.sessionCount++
		l.mu.Unlock()
	}

	sess.bets = append(sess.bets, Bet{Amount: amount, GameType: gameType, PlacedAt: ts})
	sess.totalWagered += amount
	sess.lastActivity = ts
	sess.gameTypes[gameType] = struct{}{}

	l.mu.Lock()
	u := l.user(userID)
	u.totalBets++
	u.totalWagered += amount
	l.mu.Unlock()

	return BetRef{SessionID: sess.id, BetIndex: len(sess.bets) - 1}, nil
}

// RecordOutcome attaches an outcome to a pending bet and returns an
// immutable snapshot of the session for downstream statistics. amount is
// the total returned to the player (0 for a loss). A session belonging to
// a different user is indistinguishable from a missing one: callers can
// only settle their own bets.
func (l *Ledger) RecordOutcome(userID, sessionID string, betIndex int, amount float64, ts time.Time) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if amount < 0 {
		return Snapshot{}, fmt.Errorf("%w: win amount must not be negative, got %v", ErrInvalidInput, amount)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	l.mu.RLock()
	sess, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok || sess.userID != userID {
		return Snapshot{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	unlock := l.locks.Lock(pairKey(sess.userID, sess.operatorID))
	defer unlock()

	if betIndex < 0 || betIndex >= len(sess.bets) {
		return Snapshot{}, fmt.Errorf("%w: bet index %d in session %s", ErrNotFound, betIndex, sessionID)
	}
	bet := &sess.bets[betIndex]
	if bet.Outcome != nil {
		return Snapshot{}, fmt.Errorf("%w: session %s bet %d", ErrAlreadySettled, sessionID, betIndex)
	}

	bet.Outcome = &Outcome{Amount: amount, SettledAt: ts}
	sess.totalWon += amount

	l.mu.Lock()
	l.user(sess.userID).totalWon += amount
	l.mu.Unlock()

	return snapshotLocked(sess), nil
}

// SessionSnapshot returns a snapshot of an existing session for reporting.
func (l *Ledger) SessionSnapshot(sessionID string) (Snapshot, error) {
	l.mu.RLock()
	sess, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	unlock := l.locks.Lock(pairKey(sess.userID, sess.operatorID))
	defer unlock()
	return snapshotLocked(sess), nil
}

// UserStats returns a user's lifetime totals. Unknown users get zeroes
// rather than an error: a user with no history is a valid query.
func (l *Ledger) UserStats(userID string) UserStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := UserStats{UserID: userID}
	u, ok := l.users[userID]
	if !ok {
		return stats
	}
	stats.TotalBets = u.totalBets
	stats.TotalWagered = u.totalWagered
	stats.TotalWon = u.totalWon
	stats.NetProfit = u.totalWon - u.totalWagered
	stats.SessionCount = u.sessionCount
	if u.totalWagered > 0 {
		stats.ObservedRTP = u.totalWon / u.totalWagered
	}
	return stats
}

// activeSession returns the live session for a pair key, or nil.
// Caller holds the pair lock.
func (l *Ledger) activeSession(key string) *session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.active[key]
	if !ok {
		return nil
	}
	return l.sessions[id]
}

// user returns (creating if needed) the totals record. Caller holds l.mu.
func (l *Ledger) user(userID string) *userTotals {
	u, ok := l.users[userID]
	if !ok {
		u = &userTotals{}
		l.users[userID] = u
	}
	return u
}

// snapshotLocked copies a session into an immutable Snapshot.
// Caller holds the session's pair lock.
func snapshotLocked(sess *session) Snapshot {
	snap := Snapshot{
		SessionID:    sess.id,
		UserID:       sess.userID,
		OperatorID:   sess.operatorID,
		StartedAt:    sess.startedAt,
		LastActivity: sess.lastActivity,
		TotalWagered: sess.totalWagered,
		TotalWon:     sess.totalWon,
	}
	snap.Completed = make([]CompletedBet, 0, len(sess.bets))
	for _, b := range sess.bets {
		if b.Outcome == nil {
			snap.PendingBets++
			continue
		}
		snap.Completed = append(snap.Completed, CompletedBet{
			Wagered:  b.Amount,
			Returned: b.Outcome.Amount,
			GameType: b.GameType,
		})
	}
	snap.GameTypes = make([]string, 0, len(sess.gameTypes))
	for gt := range sess.gameTypes {
		snap.GameTypes = append(snap.GameTypes, gt)
	}
	return snap
}

// ObservedRTP is the snapshot's return rate over settled wagering.
// Defined as 0 when nothing has been wagered.
func (s Snapshot) ObservedRTP() float64 {
	var wagered, won float64
	for _, b := range s.Completed {
		wagered += b.Wagered
		won += b.Returned
	}
	if wagered == 0 {
		return 0
	}
	return won / wagered
}
