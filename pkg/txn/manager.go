// Package txn implements the Transaction Manager: transaction
// lifecycle, isolation policy, per-transaction write buffering, and
// commit/rollback orchestration over the lock manager and the tree.
package txn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vaultfs/vaultfs/pkg/lockmgr"
	"github.com/vaultfs/vaultfs/pkg/pathutil"
	"github.com/vaultfs/vaultfs/pkg/tree"
)

// Isolation selects how a transaction's reads are based.
type Isolation uint8

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	Snapshot
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case Snapshot:
		return "SNAPSHOT"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolation maps a console/wire token to an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "", "READ_COMMITTED":
		return ReadCommitted, nil
	case "READ_UNCOMMITTED":
		return ReadUncommitted, nil
	case "SNAPSHOT":
		return Snapshot, nil
	default:
		return 0, ErrIsolationUnknown
	}
}

// State is a position in the transaction lifecycle. Every non-Active
// state is terminal and a sink.
type State uint8

const (
	Active State = iota
	Committed
	Aborted
	RolledBack
	RollbackFailed
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case RolledBack:
		return "ROLLED_BACK"
	case RollbackFailed:
		return "ROLLBACK_FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotActive        = errors.New("txn: transaction is not ACTIVE")
	ErrUnknownTxn       = errors.New("txn: unknown transaction id")
	ErrIsolationUnknown = errors.New("txn: unknown isolation level")
)

// RollbackFailedError wraps the failure that triggered a rollback
// together with the failure the rollback itself then hit.
type RollbackFailedError struct {
	Cause    error
	Original error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("txn: rollback failed (%v) while recovering from %v", e.Cause, e.Original)
}

func (e *RollbackFailedError) Unwrap() error { return e.Original }

type opKind uint8

const (
	opWrite opKind = iota
	opTouch
	opMkdir
	opRm
	opMv
)

type bufferedOp struct {
	kind      opKind
	parent    *tree.Entry
	name      string
	entry     *tree.Entry
	dstParent *tree.Entry
	dstName   string
	content   string
	prevCur   int
}

type overlayKey struct {
	parent *tree.Entry
	name   string
}

// pendingChild is a same-transaction overlay entry: a structural
// mutation this transaction has buffered but not yet applied to the
// shared tree. It lets a transaction's own later path resolutions see
// its own earlier touch/mkdir/rm/mv before commit.
type pendingChild struct {
	removed bool
	entry   *tree.Entry
}

// Transaction is a single unit of work against the store.
type Transaction struct {
	ID        string
	Isolation Isolation
	StartTS   uint64

	mu     sync.Mutex
	state  State
	buffer []bufferedOp

	// snapshot holds, for Snapshot isolation only, the cur version
	// index observed per file at Begin.
	snapshot map[tree.FileID]int

	overlay map[overlayKey]pendingChild
	locks   map[tree.FileID]bool
}

// GetState reports the transaction's current lifecycle state.
func (t *Transaction) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) requireActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return ErrNotActive
	}
	return nil
}

func (t *Transaction) trackLock(id tree.FileID) {
	t.mu.Lock()
	t.locks[id] = true
	t.mu.Unlock()
}

func (t *Transaction) heldLocks() []tree.FileID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tree.FileID, 0, len(t.locks))
	for id := range t.locks {
		out = append(out, id)
	}
	return out
}

// Manager creates and resolves transactions over a shared tree and
// lock manager.
type Manager struct {
	tree *tree.Tree
	lm   *lockmgr.Manager

	clock uint64

	mu   sync.Mutex
	byID map[string]*Transaction
}

// NewManager wires a transaction manager to the store's tree and lock
// manager. Both are shared by every transaction the manager creates.
func NewManager(tr *tree.Tree, lm *lockmgr.Manager) *Manager {
	return &Manager{
		tree: tr,
		lm:   lm,
		byID: make(map[string]*Transaction),
	}
}

func (m *Manager) tick() uint64 {
	return atomic.AddUint64(&m.clock, 1)
}

// Begin starts a new ACTIVE transaction at the given isolation level.
// For Snapshot, it captures every file's current version index now;
// that captured map is the transaction's read base for the rest of
// its lifetime.
func (m *Manager) Begin(iso Isolation) *Transaction {
	t := &Transaction{
		ID:        uuid.NewString(),
		Isolation: iso,
		StartTS:   m.tick(),
		state:     Active,
		overlay:   make(map[overlayKey]pendingChild),
		locks:     make(map[tree.FileID]bool),
	}
	if iso == Snapshot {
		t.snapshot = m.tree.Snapshot()
	}

	m.mu.Lock()
	m.byID[t.ID] = t
	m.mu.Unlock()
	return t
}

// Get looks up a live transaction by id.
func (m *Manager) Get(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrUnknownTxn
	}
	return t, nil
}

// lookupChild checks t's own overlay before falling back to the
// committed tree, so a transaction observes its own buffered
// structural mutations immediately.
func (m *Manager) lookupChild(t *Transaction, parent *tree.Entry, name string) (*tree.Entry, error) {
	if t != nil {
		t.mu.Lock()
		pc, ok := t.overlay[overlayKey{parent, name}]
		t.mu.Unlock()
		if ok {
			if pc.removed {
				return nil, tree.ErrNoSuchFile
			}
			return pc.entry, nil
		}
	}
	return m.tree.Child(parent, name)
}

// Resolve walks path from cwd, consulting t's overlay at every
// component so a transaction's own uncommitted renames/creates are
// visible to itself. t may be nil for an auto-commit caller with no
// pending structural state.
func (m *Manager) Resolve(t *Transaction, cwd *tree.Entry, path string) (*tree.Entry, error) {
	components, absolute, err := pathutil.Split(path)
	if err != nil {
		return nil, err
	}

	cur := m.tree.Root()
	if !absolute && cwd != nil {
		cur = cwd
	}

	for _, name := range components {
		switch name {
		case ".":
			continue
		case "..":
			cur = cur.Parent()
			continue
		}
		if !cur.IsDir() {
			return nil, tree.ErrNotADirectory
		}
		child, err := m.lookupChild(t, cur, name)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}

// ResolveParent resolves path's parent directory and final name
// component, the way pkg/tree.ResolveParent does for the pure tree.
func (m *Manager) ResolveParent(t *Transaction, cwd *tree.Entry, path string) (*tree.Entry, string, error) {
	components, absolute, err := pathutil.Split(path)
	if err != nil {
		return nil, "", err
	}
	if len(components) == 0 {
		return nil, "", tree.ErrIsRoot
	}

	cur := m.tree.Root()
	if !absolute && cwd != nil {
		cur = cwd
	}
	for _, name := range components[:len(components)-1] {
		switch name {
		case ".":
			continue
		case "..":
			cur = cur.Parent()
			continue
		}
		if !cur.IsDir() {
			return nil, "", tree.ErrNotADirectory
		}
		child, err := m.lookupChild(t, cur, name)
		if err != nil {
			return nil, "", err
		}
		cur = child
	}
	return cur, components[len(components)-1], nil
}

// Touch buffers the creation of an empty file named name under
// parent. The entry is allocated now — with its own ID and version
// chain — so the transaction can address it (e.g. a later Write in
// the same transaction) before it is attached to the tree at commit.
func (m *Manager) Touch(t *Transaction, parent *tree.Entry, name string) (*tree.Entry, error) {
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	if err := m.lm.Acquire(t.ID, parent.ID, lockmgr.Exclusive); err != nil {
		return nil, err
	}
	t.trackLock(parent.ID)

	if _, err := m.lookupChild(t, parent, name); err == nil {
		return nil, tree.ErrAlreadyExists
	}

	entry, err := m.tree.NewFileEntry(parent, name)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.overlay[overlayKey{parent, name}] = pendingChild{entry: entry}
	t.buffer = append(t.buffer, bufferedOp{kind: opTouch, parent: parent, name: name, entry: entry})
	t.mu.Unlock()
	return entry, nil
}

// Mkdir is Touch's directory counterpart.
func (m *Manager) Mkdir(t *Transaction, parent *tree.Entry, name string) (*tree.Entry, error) {
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	if err := m.lm.Acquire(t.ID, parent.ID, lockmgr.Exclusive); err != nil {
		return nil, err
	}
	t.trackLock(parent.ID)

	if _, err := m.lookupChild(t, parent, name); err == nil {
		return nil, tree.ErrAlreadyExists
	}

	entry, err := m.tree.NewDirEntry(parent, name)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.overlay[overlayKey{parent, name}] = pendingChild{entry: entry}
	t.buffer = append(t.buffer, bufferedOp{kind: opMkdir, parent: parent, name: name, entry: entry})
	t.mu.Unlock()
	return entry, nil
}

// OpenFile marks entry open for read/write, required before Read or
// Write succeed. Opening is not a structural mutation and is not
// buffered or undone on rollback.
func (m *Manager) OpenFile(t *Transaction, entry *tree.Entry) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	return m.tree.OpenFile(entry)
}

// Read returns entry's content as t's isolation level and own write
// buffer determine it: a transaction's own buffered writes are
// always visible to its own reads, ahead of whatever the isolation
// level would otherwise select.
func (m *Manager) Read(t *Transaction, entry *tree.Entry) (string, error) {
	if err := t.requireActive(); err != nil {
		return "", err
	}
	if err := m.lm.Acquire(t.ID, entry.ID, lockmgr.Shared); err != nil {
		return "", err
	}
	t.trackLock(entry.ID)

	if !entry.Open() {
		return "", tree.ErrNotOpen
	}

	t.mu.Lock()
	for i := len(t.buffer) - 1; i >= 0; i-- {
		if op := t.buffer[i]; op.kind == opWrite && op.entry == entry {
			t.mu.Unlock()
			return op.content, nil
		}
	}
	iso := t.Isolation
	snap := t.snapshot
	t.mu.Unlock()

	switch iso {
	case Snapshot:
		v, ok := snap[entry.ID]
		if !ok {
			return "", tree.ErrNoSuchFile
		}
		return entry.Chain.Read(v)
	default:
		// READ_UNCOMMITTED degenerates to READ_COMMITTED: structural
		// and content writes are only visible at commit, so there is
		// nothing uncommitted left for READ_UNCOMMITTED to see that
		// READ_COMMITTED does not.
		return entry.Chain.ReadCurrent()
	}
}

// Write buffers a new version of entry's content, visible to this
// transaction's own subsequent reads immediately and to everyone else
// only once committed. Unlike the other mutating operations, Write
// does not acquire entry's EXCLUSIVE lock up front: last-writer-wins
// conflict resolution requires two SNAPSHOT transactions to both be
// able to buffer a write to the same file before either commits, so
// the EXCLUSIVE lock is instead acquired at commit time, immediately
// before the buffered diff is applied (see apply).
func (m *Manager) Write(t *Transaction, entry *tree.Entry, content string) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	if !entry.Open() {
		return tree.ErrNotOpen
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, bufferedOp{kind: opWrite, entry: entry, content: content})
	t.mu.Unlock()
	return nil
}

// Rm buffers the removal of name under parent. A directory target
// must be empty as t sees it: the check goes through Ls, so the
// committed children count together with t's own buffered creates and
// removals under that directory.
func (m *Manager) Rm(t *Transaction, parent *tree.Entry, name string) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	if err := m.lm.Acquire(t.ID, parent.ID, lockmgr.Exclusive); err != nil {
		return err
	}
	t.trackLock(parent.ID)

	child, err := m.lookupChild(t, parent, name)
	if err != nil {
		return err
	}
	if err := m.lm.Acquire(t.ID, child.ID, lockmgr.Exclusive); err != nil {
		return err
	}
	t.trackLock(child.ID)

	if child.IsDir() {
		names, err := m.Ls(t, child)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			return tree.ErrNotEmpty
		}
	}

	t.mu.Lock()
	t.overlay[overlayKey{parent, name}] = pendingChild{removed: true}
	t.buffer = append(t.buffer, bufferedOp{kind: opRm, parent: parent, name: name, entry: child})
	t.mu.Unlock()
	return nil
}

// Mv buffers src's reparent to dstName under dstParent, refusing a
// move that would place an ancestor under its own descendant.
func (m *Manager) Mv(t *Transaction, src, dstParent *tree.Entry, dstName string) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	if err := pathutil.ValidateName(dstName); err != nil {
		return err
	}

	srcParent := src.Parent()
	if err := m.lm.Acquire(t.ID, srcParent.ID, lockmgr.Exclusive); err != nil {
		return err
	}
	t.trackLock(srcParent.ID)
	if err := m.lm.Acquire(t.ID, dstParent.ID, lockmgr.Exclusive); err != nil {
		return err
	}
	t.trackLock(dstParent.ID)
	if err := m.lm.Acquire(t.ID, src.ID, lockmgr.Exclusive); err != nil {
		return err
	}
	t.trackLock(src.ID)

	if _, err := m.lookupChild(t, dstParent, dstName); err == nil {
		return tree.ErrAlreadyExists
	}
	if tree.WouldCycle(src, dstParent) {
		return tree.ErrWouldCycle
	}

	t.mu.Lock()
	t.overlay[overlayKey{srcParent, src.Name}] = pendingChild{removed: true}
	t.overlay[overlayKey{dstParent, dstName}] = pendingChild{entry: src}
	t.buffer = append(t.buffer, bufferedOp{
		kind: opMv, parent: srcParent, name: src.Name,
		entry: src, dstParent: dstParent, dstName: dstName,
	})
	t.mu.Unlock()
	return nil
}

// Ls lists dir's children as t would see them: the committed names
// with t's own buffered creates added and its own buffered removals
// subtracted, in lexicographic order.
func (m *Manager) Ls(t *Transaction, dir *tree.Entry) ([]string, error) {
	if !dir.IsDir() {
		return nil, tree.ErrNotADirectory
	}
	names, err := m.tree.Ls(dir)
	if err != nil {
		return nil, err
	}

	if t == nil {
		return names, nil
	}

	t.mu.Lock()
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	for k, pc := range t.overlay {
		if k.parent != dir {
			continue
		}
		if pc.removed {
			delete(present, k.name)
		} else {
			present[k.name] = true
		}
	}
	t.mu.Unlock()

	out := make([]string, 0, len(present))
	for n := range present {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) apply(t *Transaction, op bufferedOp) error {
	switch op.kind {
	case opWrite:
		if err := m.lm.Acquire(t.ID, op.entry.ID, lockmgr.Exclusive); err != nil {
			return err
		}
		t.trackLock(op.entry.ID)
		_, err := op.entry.Chain.AppendVersion(op.content)
		return err
	case opTouch, opMkdir:
		return m.tree.Attach(op.parent, op.entry)
	case opRm:
		return m.tree.Rm(op.parent, op.name)
	case opMv:
		return m.tree.Mv(op.entry, op.dstParent, op.dstName)
	default:
		return nil
	}
}

// undo reverses a single already-applied op, used to unwind a
// partially committed transaction.
func (m *Manager) undo(op bufferedOp) error {
	switch op.kind {
	case opWrite:
		return op.entry.Chain.RevertTo(op.prevCur)
	case opTouch, opMkdir:
		return m.tree.Rm(op.parent, op.name)
	case opRm:
		return m.tree.Attach(op.parent, op.entry)
	case opMv:
		return m.tree.Mv(op.entry, op.parent, op.name)
	default:
		return nil
	}
}

// Commit attempts to make t's buffered operations visible: each
// buffered write becomes a new version on its target's chain, then
// each buffered structural op is applied to the tree, in buffer
// order. A failure partway through triggers rollback of everything
// already applied; a failure during that rollback moves t to
// ROLLBACK_FAILED and surfaces both causes.
func (m *Manager) Commit(t *Transaction) error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return ErrNotActive
	}
	buffer := t.buffer
	t.mu.Unlock()

	applied := make([]bufferedOp, 0, len(buffer))
	var failure error
	for _, writes := range []bool{true, false} {
		for _, op := range buffer {
			if (op.kind == opWrite) != writes {
				continue
			}
			if op.kind == opWrite {
				op.prevCur = op.entry.Chain.Current()
			}
			if err := m.apply(t, op); err != nil {
				failure = err
				break
			}
			applied = append(applied, op)
		}
		if failure != nil {
			break
		}
	}

	if failure == nil {
		t.mu.Lock()
		t.state = Committed
		t.mu.Unlock()
		m.finish(t)
		return nil
	}

	var rollbackErr error
	for i := len(applied) - 1; i >= 0; i-- {
		if err := m.undo(applied[i]); err != nil {
			rollbackErr = err
			break
		}
	}

	t.mu.Lock()
	if rollbackErr != nil {
		t.state = RollbackFailed
	} else {
		t.state = RolledBack
	}
	t.mu.Unlock()
	m.finish(t)

	if rollbackErr != nil {
		return &RollbackFailedError{Cause: rollbackErr, Original: failure}
	}
	return failure
}

// Rollback discards t's buffer and releases its locks. Because
// nothing in the buffer has touched the tree yet, rolling back an
// ACTIVE transaction never needs to undo anything.
func (m *Manager) Rollback(t *Transaction) error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return ErrNotActive
	}
	t.state = RolledBack
	t.mu.Unlock()
	m.finish(t)
	return nil
}

// Abort is a client-initiated rollback from ACTIVE, terminating in
// ABORTED rather than ROLLED_BACK. It is safe to call from a goroutine
// other than the one that began t, even while that owner is parked on
// a lock wait elsewhere — CancelWaits wakes it with ErrLockCancelled.
func (m *Manager) Abort(t *Transaction) error {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return ErrNotActive
	}
	t.state = Aborted
	t.mu.Unlock()
	m.finish(t)
	return nil
}

// finish releases every lock t holds or is waiting on and drops it
// from the manager's live table.
func (m *Manager) finish(t *Transaction) {
	m.lm.CancelWaits(t.ID)
	m.lm.ReleaseAll(t.ID)

	m.mu.Lock()
	delete(m.byID, t.ID)
	m.mu.Unlock()
}
