// Package trunc implements the LogTruncationManager (component T): a
// pure policy engine with no I/O of its own. It decides when to
// checkpoint, throttle, index, truncate and abort long-pending
// transactions, and drives a periodic timer through the state machine
// NotStarted -> Ready -> CheckpointStarted -> CheckpointCompleted ->
// TruncationStarted -> NotStarted (§4.5). Grounded on the teacher's
// tx/locktable.go dispatcher-goroutine-with-timer shape, adapted from
// a lock-wait loop to a periodic policy tick.
package trunc

import (
	"sync"
	"time"

	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/storage"
	"github.com/luigitni/logreplicator/txmap"
)

// Config bundles every tunable spec §4.5 calls out. All are external
// configuration per spec.md §1 (config loading is out of scope); the
// caller constructs one from whatever loader it has.
type Config struct {
	ThrottleAtBytes           int64
	CheckpointIntervalBytes   int64
	MinLogSizeBytes           int64
	TruncationThresholdBytes  int64
	MinTruncationAmountBytes  int64
	IndexIntervalBytes        int64
	TxAbortThreshold          time.Duration
	TruncationInterval        time.Duration
	PeriodicCheckpointInterval time.Duration
}

// TimerState is the periodic-timer state machine (§4.5).
type TimerState int

const (
	NotStarted TimerState = iota
	Ready
	CheckpointStarted
	CheckpointCompleted
	TruncationStarted
)

// Manager tracks byte counters since the last checkpoint/index and the
// periodic timer state. It never touches the log or the transaction
// map directly beyond reading txmap.Map for the abort-candidate scan;
// every decision is returned to the caller (checkpoint.Manager /
// replog.Manager) to act on.
type Manager struct {
	obs obs.Context
	cfg Config

	mu                    sync.Mutex
	bytesSinceCheckpoint  int64
	bytesSinceIndex       int64
	logSizeBytes          int64
	lastPeriodicCheckpoint time.Time
	forceCheckpoint       bool
	timerState            TimerState

	stopCh chan struct{}
}

func New(o obs.Context, cfg Config) *Manager {
	return &Manager{
		obs:                   o,
		cfg:                   cfg,
		lastPeriodicCheckpoint: time.Time{},
		timerState:            NotStarted,
	}
}

// ObserveAppend is called after every physical append so the byte
// counters stay current. ObserveIndexed resets bytesSinceIndex.
func (m *Manager) ObserveAppend(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesSinceCheckpoint += n
	m.bytesSinceIndex += n
	m.logSizeBytes += n
}

// ObserveCheckpointStarted resets the checkpoint byte counter and the
// periodic-checkpoint clock.
func (m *Manager) ObserveCheckpointStarted(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesSinceCheckpoint = 0
	m.lastPeriodicCheckpoint = now
	m.forceCheckpoint = false
}

// ObserveIndexed resets the index byte counter.
func (m *Manager) ObserveIndexed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesSinceIndex = 0
}

// ObserveTruncated reduces the tracked log size by the reclaimed bytes.
func (m *Manager) ObserveTruncated(reclaimed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSizeBytes -= reclaimed
	if m.logSizeBytes < 0 {
		m.logSizeBytes = 0
	}
}

// ForceCheckpoint requests the next ShouldCheckpointOn* call return
// true regardless of byte thresholds (used by an explicit user-driven
// checkpoint request).
func (m *Manager) ForceCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceCheckpoint = true
}

// ShouldCheckpointOnPrimary implements P5: true if forced, if enough
// bytes have accumulated, or if the periodic interval elapsed. It also
// returns the set of pending transactions older than TxAbortThreshold,
// which the caller should abort before or as part of the checkpoint.
func (m *Manager) ShouldCheckpointOnPrimary(now time.Time, txm *txmap.Map, txAge func(storage.TransactionId) time.Duration) (should bool, abortList []storage.TransactionId) {
	m.mu.Lock()
	forced := m.forceCheckpoint
	byBytes := m.cfg.CheckpointIntervalBytes > 0 && m.bytesSinceCheckpoint >= m.cfg.CheckpointIntervalBytes
	byPeriod := m.cfg.PeriodicCheckpointInterval > 0 &&
		!m.lastPeriodicCheckpoint.IsZero() &&
		now.Sub(m.lastPeriodicCheckpoint) >= m.cfg.PeriodicCheckpointInterval
	m.mu.Unlock()

	should = forced || byBytes || byPeriod

	if m.cfg.TxAbortThreshold > 0 && txm != nil && txAge != nil {
		for _, txId := range txm.PendingTxIds() {
			if txAge(txId) >= m.cfg.TxAbortThreshold {
				abortList = append(abortList, txId)
			}
		}
	}
	return should, abortList
}

// ShouldCheckpointOnSecondary is ShouldCheckpointOnPrimary without the
// abort list or the periodic trigger: secondaries checkpoint in
// response to the primary's own checkpoint record, not on their own
// clock.
func (m *Manager) ShouldCheckpointOnSecondary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forceCheckpoint || (m.cfg.CheckpointIntervalBytes > 0 && m.bytesSinceCheckpoint >= m.cfg.CheckpointIntervalBytes)
}

// ShouldTruncateHead is true once the tracked log size exceeds
// TruncationThresholdBytes and truncating would free at least
// MinTruncationAmountBytes.
func (m *Manager) ShouldTruncateHead(reclaimable int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.TruncationThresholdBytes <= 0 || m.logSizeBytes < m.cfg.TruncationThresholdBytes {
		return false
	}
	return reclaimable >= m.cfg.MinTruncationAmountBytes
}

// ShouldBlockOperationsOnPrimary is true once buffered+log usage
// exceeds ThrottleAtBytes.
func (m *Manager) ShouldBlockOperationsOnPrimary(bufferedBytes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ThrottleAtBytes > 0 && bufferedBytes >= m.cfg.ThrottleAtBytes
}

// ShouldIndex is true once bytesSinceIndex reaches IndexIntervalBytes.
func (m *Manager) ShouldIndex() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.IndexIntervalBytes > 0 && m.bytesSinceIndex >= m.cfg.IndexIntervalBytes
}

// GoodLogHeadCandidate reports whether truncating to candidate would
// leave at least MinLogSizeBytes of log, given the log's current end
// offset. The "respects current backup/full-copy needs" half of §4.5
// is enforced by the caller (replog.Manager.TruncateHead only offers
// candidates that logmgr's active readers already permit via
// AddLogReader/ProcessLogHeadTruncationAsync).
func (m *Manager) GoodLogHeadCandidate(candidatePosition, currentEndOffset storage.RecordPosition) bool {
	remaining := int64(currentEndOffset - candidatePosition)
	return remaining >= m.cfg.MinLogSizeBytes
}

// Tick advances the periodic timer state machine by one step and
// reports the new state, called by a caller-owned ticker at
// TruncationInterval (§4.5). The caller is responsible for acting on
// the transition (e.g. requesting a group commit on NotStarted->Ready).
func (m *Manager) Tick() TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.timerState {
	case NotStarted:
		m.timerState = Ready
	case Ready:
		m.timerState = CheckpointStarted
	case CheckpointStarted:
		m.timerState = CheckpointCompleted
	case CheckpointCompleted:
		m.timerState = TruncationStarted
	case TruncationStarted:
		m.timerState = NotStarted
	}
	return m.timerState
}

// State reports the current timer state without advancing it.
func (m *Manager) State() TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerState
}

// Run starts a background goroutine that calls onTick once every
// TruncationInterval until Stop is called.
func (m *Manager) Run(onTick func(TimerState)) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stopCh = stop
	interval := m.cfg.TruncationInterval
	m.mu.Unlock()

	if interval <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				onTick(m.Tick())
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the background ticker started by Run, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}
