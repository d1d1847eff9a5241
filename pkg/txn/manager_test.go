package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaultfs/vaultfs/pkg/lockmgr"
	"github.com/vaultfs/vaultfs/pkg/tree"
)

func newTestManager() (*Manager, *tree.Tree) {
	tr := tree.New()
	lm := lockmgr.NewManager(nil)
	return NewManager(tr, lm), tr
}

func openAndWrite(t *testing.T, m *Manager, txn *Transaction, f *tree.Entry, content string) {
	t.Helper()
	if err := m.OpenFile(txn, f); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(txn, f, content); err != nil {
		t.Fatal(err)
	}
}

// TestCommitVisibility mirrors scenario S1: a write only becomes
// visible to another transaction once committed.
func TestCommitVisibility(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()

	f, err := tr.Touch(root, "a")
	if err != nil {
		t.Fatal(err)
	}
	tr.OpenFile(f)

	txn := m.Begin(ReadCommitted)
	openAndWrite(t, m, txn, f, "hello")

	reader := m.Begin(ReadCommitted)
	got, err := m.Read(reader, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("uncommitted write visible to another transaction: %q", got)
	}
	if err := m.Commit(reader); err != nil {
		t.Fatal(err)
	}

	if err := m.Commit(txn); err != nil {
		t.Fatal(err)
	}

	reader2 := m.Begin(ReadCommitted)
	got, err = m.Read(reader2, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("Read after commit = %q, want hello", got)
	}
}

// TestAbortIsolation mirrors scenario S2.
func TestAbortIsolation(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()

	f, _ := tr.Touch(root, "b")
	tr.OpenFile(f)

	setup := m.Begin(ReadCommitted)
	openAndWrite(t, m, setup, f, "old")
	if err := m.Commit(setup); err != nil {
		t.Fatal(err)
	}

	txn := m.Begin(ReadCommitted)
	openAndWrite(t, m, txn, f, "new")
	if err := m.Abort(txn); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Aborted, txn.GetState())

	reader := m.Begin(ReadCommitted)
	got, err := m.Read(reader, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "old" {
		t.Fatalf("Read after abort = %q, want old", got)
	}
}

// TestOwnWritesVisibleToSelf checks that a transaction sees its own
// buffered write regardless of isolation level.
func TestOwnWritesVisibleToSelf(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()
	f, _ := tr.Touch(root, "c")
	tr.OpenFile(f)

	txn := m.Begin(Snapshot)
	openAndWrite(t, m, txn, f, "mine")

	got, err := m.Read(txn, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "mine" {
		t.Fatalf("Read own write = %q, want mine", got)
	}
	m.Commit(txn)
}

// TestSnapshotStability mirrors a SNAPSHOT transaction's read staying
// fixed even after another transaction commits a new version.
func TestSnapshotStability(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()
	f, _ := tr.Touch(root, "d")
	tr.OpenFile(f)

	setup := m.Begin(ReadCommitted)
	openAndWrite(t, m, setup, f, "v1")
	m.Commit(setup)

	snap := m.Begin(Snapshot)

	writer := m.Begin(ReadCommitted)
	openAndWrite(t, m, writer, f, "v2")
	m.Commit(writer)

	got, err := m.Read(snap, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "v1" {
		t.Fatalf("snapshot read = %q, want v1 (must not see post-begin commit)", got)
	}
	m.Commit(snap)
}

// TestReadCommittedSeesNewCommits mirrors scenario S4: READ_COMMITTED
// observes a commit made after the reader began.
func TestReadCommittedSeesNewCommits(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()
	f, _ := tr.Touch(root, "e")
	tr.OpenFile(f)

	reader := m.Begin(ReadCommitted)

	writer := m.Begin(ReadCommitted)
	openAndWrite(t, m, writer, f, "fresh")
	m.Commit(writer)

	got, err := m.Read(reader, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "fresh" {
		t.Fatalf("READ_COMMITTED read = %q, want fresh", got)
	}
}

// TestSnapshotLastWriterWinsConflict mirrors scenario S5: two SNAPSHOT
// transactions both write; the second to commit applies its diff atop
// whatever is current at its own commit time, last-writer-wins.
func TestSnapshotLastWriterWinsConflict(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()
	f, _ := tr.Touch(root, "g")
	tr.OpenFile(f)

	t1 := m.Begin(Snapshot)
	t2 := m.Begin(Snapshot)

	openAndWrite(t, m, t1, f, "from-t1")
	openAndWrite(t, m, t2, f, "from-t2")

	if err := m.Commit(t1); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(t2); err != nil {
		t.Fatal(err)
	}

	got, err := f.Chain.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-t2" {
		t.Fatalf("final content = %q, want from-t2", got)
	}
}

func TestTouchVisibleToOwnLaterWriteBeforeCommit(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()

	txn := m.Begin(ReadCommitted)
	f, err := m.Touch(txn, root, "new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.OpenFile(txn, f); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(txn, f, "content"); err != nil {
		t.Fatal(err)
	}

	got, err := m.Read(txn, f)
	if err != nil {
		t.Fatal(err)
	}
	if got != "content" {
		t.Fatalf("own read of own touch+write = %q, want content", got)
	}

	names, err := m.Ls(txn, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "new.txt" {
		t.Fatalf("Ls before commit = %v, want [new.txt] visible to self", names)
	}

	if err := m.Commit(txn); err != nil {
		t.Fatal(err)
	}

	resolved, err := m.Resolve(nil, root, "/new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != f {
		t.Fatal("resolved entry after commit does not match the touched entry")
	}
}

func TestRollbackDropsBufferWithoutTouchingTree(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()

	txn := m.Begin(ReadCommitted)
	if _, err := m.Touch(txn, root, "ghost"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rollback(txn); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, RolledBack, txn.GetState())

	_, err := m.Resolve(nil, root, "/ghost")
	assert.Error(t, err, "rolled-back touch should not be visible to anyone")
}

func TestUnknownTransactionState(t *testing.T) {
	m, tr := newTestManager()
	root := tr.Root()
	f, _ := tr.Touch(root, "h")

	txn := m.Begin(ReadCommitted)
	m.Commit(txn)

	if err := m.Commit(txn); err != ErrNotActive {
		t.Fatalf("double commit: expected ErrNotActive, got %v", err)
	}
	if _, err := m.Get(txn.ID); err != ErrUnknownTxn {
		t.Fatalf("expected ErrUnknownTxn after finish, got %v", err)
	}
	_ = f
}

func TestParseIsolation(t *testing.T) {
	cases := map[string]Isolation{
		"":                  ReadCommitted,
		"READ_COMMITTED":    ReadCommitted,
		"READ_UNCOMMITTED":  ReadUncommitted,
		"SNAPSHOT":          Snapshot,
	}
	for in, want := range cases {
		got, err := ParseIsolation(in)
		if err != nil {
			t.Fatalf("ParseIsolation(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseIsolation(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseIsolation("BOGUS"); err != ErrIsolationUnknown {
		t.Fatalf("expected ErrIsolationUnknown, got %v", err)
	}
}
