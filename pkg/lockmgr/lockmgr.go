// Package lockmgr grants and releases shared/exclusive whole-file
// locks scoped to a transaction (spec.md §4.2), parking waiters on
// condition channels and detecting deadlock with a DFS over an
// explicit wait-for graph before a caller is ever parked.
package lockmgr

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrDeadlock is returned synchronously from Acquire when granting
	// the request would close a cycle in the wait-for graph.
	ErrDeadlock = errors.New("lockmgr: deadlock detected")

	// ErrLockCancelled is delivered to a parked waiter whose owning
	// transaction was aborted from another goroutine.
	ErrLockCancelled = errors.New("lockmgr: lock wait cancelled")
)

// Mode is a lock mode: SHARED (multi-holder) or EXCLUSIVE
// (single-holder, excludes SHARED).
type Mode uint8

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "SHARED"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// FileID identifies the locked resource — a vaultfs file identity,
// stable across rename/move.
type FileID = uint64

type waiter struct {
	txnID string
	mode  Mode
	ch    chan error
}

type fileLock struct {
	mu      sync.Mutex
	holders map[string]Mode
	waiters []*waiter
}

// Manager coordinates locks across every file in the store. One
// Manager is process-wide; tests construct their own to stay
// hermetic (spec.md §9).
type Manager struct {
	mu      sync.Mutex
	files   map[FileID]*fileLock
	waitFor map[string]map[string]bool // txn -> txns it is currently waiting on

	holds   map[string]map[FileID]bool   // txn -> files it holds
	waits   map[string]map[FileID]*waiter // txn -> its outstanding waiter, by file

	log *logrus.Logger
}

// NewManager creates an empty lock manager. A nil logger defaults to
// a standard logrus logger (the pack's own structured-logging
// answer where the teacher used bare log.Printf).
func NewManager(log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		files:   make(map[FileID]*fileLock),
		waitFor: make(map[string]map[string]bool),
		holds:   make(map[string]map[FileID]bool),
		waits:   make(map[string]map[FileID]*waiter),
		log:     log,
	}
}

func (m *Manager) fileLockFor(id FileID) *fileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	fl, ok := m.files[id]
	if !ok {
		fl = &fileLock{holders: make(map[string]Mode)}
		m.files[id] = fl
	}
	return fl
}

func canGrant(fl *fileLock, txnID string, mode Mode) bool {
	switch mode {
	case Exclusive:
		for h := range fl.holders {
			if h != txnID {
				return false
			}
		}
		return true
	case Shared:
		for h, hm := range fl.holders {
			if h != txnID && hm == Exclusive {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func blockers(fl *fileLock, txnID string) []string {
	var out []string
	for h := range fl.holders {
		if h != txnID {
			out = append(out, h)
		}
	}
	return out
}

// Acquire requests mode on fileID for txnID. It returns immediately
// (granted, reentrant-granted, or ErrDeadlock) or blocks the calling
// goroutine until a release makes the request grantable, or until the
// transaction is cancelled from elsewhere via CancelWaits.
func (m *Manager) Acquire(txnID string, fileID FileID, mode Mode) error {
	fl := m.fileLockFor(fileID)
	fl.mu.Lock()

	if cur, ok := fl.holders[txnID]; ok {
		if cur == Exclusive || cur == mode {
			fl.mu.Unlock()
			return nil // reentrant
		}
		// cur == Shared, mode == Exclusive: upgrade request.
		if canGrant(fl, txnID, mode) {
			fl.holders[txnID] = Exclusive
			fl.mu.Unlock()
			m.log.WithFields(logrus.Fields{"txn": txnID, "file": fileID, "mode": mode}).Debug("lock upgraded")
			return nil
		}
	} else if canGrant(fl, txnID, mode) {
		fl.holders[txnID] = mode
		m.trackHold(txnID, fileID)
		fl.mu.Unlock()
		m.log.WithFields(logrus.Fields{"txn": txnID, "file": fileID, "mode": mode}).Debug("lock granted")
		return nil
	}

	// Must wait: register the wait-for edges first and fail fast on a
	// cycle, per spec.md §4.2's "Deadlock avoidance".
	blockedOn := blockers(fl, txnID)
	if err := m.addWaitEdges(txnID, blockedOn); err != nil {
		fl.mu.Unlock()
		m.log.WithFields(logrus.Fields{"txn": txnID, "file": fileID}).Warn("deadlock detected, request refused")
		return err
	}

	w := &waiter{txnID: txnID, mode: mode, ch: make(chan error, 1)}
	fl.waiters = append(fl.waiters, w)
	m.trackWait(txnID, fileID, w)
	fl.mu.Unlock()

	m.log.WithFields(logrus.Fields{"txn": txnID, "file": fileID, "mode": mode}).Debug("lock wait parked")
	return <-w.ch
}

// Release drops every mode txnID holds on fileID and wakes compatible
// waiters in FIFO order.
func (m *Manager) Release(txnID string, fileID FileID) {
	fl := m.fileLockFor(fileID)
	fl.mu.Lock()
	delete(fl.holders, txnID)
	m.untrackHold(txnID, fileID)
	m.grantWaiters(fl, fileID)
	fl.mu.Unlock()

	m.log.WithFields(logrus.Fields{"txn": txnID, "file": fileID}).Debug("lock released")
}

// ReleaseAll releases every lock txnID holds and cancels every wait
// it has outstanding, across all files.
func (m *Manager) ReleaseAll(txnID string) {
	m.mu.Lock()
	heldFiles := make([]FileID, 0, len(m.holds[txnID]))
	for f := range m.holds[txnID] {
		heldFiles = append(heldFiles, f)
	}
	waitingFiles := make([]FileID, 0, len(m.waits[txnID]))
	for f := range m.waits[txnID] {
		waitingFiles = append(waitingFiles, f)
	}
	m.mu.Unlock()

	for _, f := range heldFiles {
		m.Release(txnID, f)
	}
	for _, f := range waitingFiles {
		m.cancelWaitOn(txnID, f, ErrLockCancelled)
	}

	m.mu.Lock()
	delete(m.waitFor, txnID)
	for other := range m.waitFor {
		delete(m.waitFor[other], txnID)
	}
	m.mu.Unlock()
}

// CancelWaits cancels every outstanding wait for txnID with
// ErrLockCancelled, used when a transaction is aborted from a
// goroutine other than the one parked on Acquire (spec.md §5).
func (m *Manager) CancelWaits(txnID string) {
	m.mu.Lock()
	waitingFiles := make([]FileID, 0, len(m.waits[txnID]))
	for f := range m.waits[txnID] {
		waitingFiles = append(waitingFiles, f)
	}
	m.mu.Unlock()

	for _, f := range waitingFiles {
		m.cancelWaitOn(txnID, f, ErrLockCancelled)
	}
}

func (m *Manager) cancelWaitOn(txnID string, fileID FileID, cause error) {
	fl := m.fileLockFor(fileID)
	fl.mu.Lock()
	for i, w := range fl.waiters {
		if w.txnID == txnID {
			fl.waiters = append(fl.waiters[:i], fl.waiters[i+1:]...)
			fl.mu.Unlock()

			m.mu.Lock()
			delete(m.waitFor, txnID)
			if files, ok := m.waits[txnID]; ok {
				delete(files, fileID)
			}
			m.mu.Unlock()

			w.ch <- cause
			return
		}
	}
	fl.mu.Unlock()
}

func (m *Manager) grantWaiters(fl *fileLock, fileID FileID) {
	for len(fl.waiters) > 0 {
		w := fl.waiters[0]
		if !canGrant(fl, w.txnID, w.mode) {
			break
		}
		fl.holders[w.txnID] = w.mode
		fl.waiters = fl.waiters[1:]

		m.mu.Lock()
		delete(m.waitFor, w.txnID)
		if files, ok := m.waits[w.txnID]; ok {
			delete(files, fileID)
		}
		m.mu.Unlock()
		m.trackHold(w.txnID, fileID)
		w.ch <- nil
	}
}

func (m *Manager) trackHold(txnID string, fileID FileID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holds[txnID] == nil {
		m.holds[txnID] = make(map[FileID]bool)
	}
	m.holds[txnID][fileID] = true
}

func (m *Manager) untrackHold(txnID string, fileID FileID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if files, ok := m.holds[txnID]; ok {
		delete(files, fileID)
	}
}

func (m *Manager) trackWait(txnID string, fileID FileID, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waits[txnID] == nil {
		m.waits[txnID] = make(map[FileID]*waiter)
	}
	m.waits[txnID][fileID] = w
}

// addWaitEdges records txnID -> each blocker edge and fails the whole
// batch (rolling back any edges it added) if doing so would let a DFS
// from txnID reach txnID again.
func (m *Manager) addWaitEdges(txnID string, blockedOn []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waitFor[txnID] == nil {
		m.waitFor[txnID] = make(map[string]bool)
	}

	var added []string
	for _, b := range blockedOn {
		if b == txnID || m.waitFor[txnID][b] {
			continue
		}
		m.waitFor[txnID][b] = true
		added = append(added, b)
	}

	if m.reachableFromAny(added, txnID) {
		for _, b := range added {
			delete(m.waitFor[txnID], b)
		}
		return ErrDeadlock
	}
	return nil
}

// reachableFromAny reports whether target is reachable via wait-for
// edges starting from any node in from — i.e. whether a cycle was
// just closed by adding edges into those nodes.
func (m *Manager) reachableFromAny(from []string, target string) bool {
	visited := make(map[string]bool)
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if n == target {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for next := range m.waitFor[n] {
			if dfs(next) {
				return true
			}
		}
		return false
	}

	for _, n := range from {
		if dfs(n) {
			return true
		}
	}
	return false
}
