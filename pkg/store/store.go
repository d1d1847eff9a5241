// Package store wires the tree, lock manager, and transaction manager
// into the single System value vaultfs's callers use: every filesystem
// operation, with or without an explicit transaction, goes through a
// *Store.
package store

import (
	"github.com/sirupsen/logrus"

	"github.com/vaultfs/vaultfs/pkg/lockmgr"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/txn"
	"github.com/vaultfs/vaultfs/pkg/version"
)

// Re-exported error kinds (spec §7's tagged variants), so callers need
// only import pkg/store.
var (
	ErrNoSuchFile           = tree.ErrNoSuchFile
	ErrNoSuchDirectory      = tree.ErrNoSuchDirectory
	ErrNotAFile             = tree.ErrNotAFile
	ErrNotADirectory        = tree.ErrNotADirectory
	ErrAlreadyExists        = tree.ErrAlreadyExists
	ErrNotEmpty             = tree.ErrNotEmpty
	ErrNotOpen              = tree.ErrNotOpen
	ErrWouldCycle           = tree.ErrWouldCycle
	ErrNoSuchVersion        = version.ErrNoSuchVersion
	ErrUnknownTxn           = txn.ErrUnknownTxn
	ErrTransactionNotActive = txn.ErrNotActive
	ErrIsolationUnknown     = txn.ErrIsolationUnknown
	ErrDeadlock             = lockmgr.ErrDeadlock
	ErrLockCancelled        = lockmgr.ErrLockCancelled
)

// RollbackFailedError is re-exported for callers matching on it with
// errors.As.
type RollbackFailedError = txn.RollbackFailedError

// Isolation is re-exported so callers don't need to import pkg/txn
// directly just to pick a level.
type Isolation = txn.Isolation

const (
	ReadUncommitted = txn.ReadUncommitted
	ReadCommitted   = txn.ReadCommitted
	Snapshot        = txn.Snapshot
)

// Entry is an opaque handle to a resolved tree entry (a file or
// directory), returned by path operations and passed back in to avoid
// re-resolving a path on every call.
type Entry = tree.Entry

// Store is the process-wide System: one Tree, one lock Manager, one
// transaction Manager, shared by every caller. Construct one per test
// to keep tests hermetic.
type Store struct {
	tree *tree.Tree
	lm   *lockmgr.Manager
	tm   *txn.Manager
	log  *logrus.Logger
}

// New creates an empty store — a tree with only its root directory.
func New(log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	tr := tree.New()
	lm := lockmgr.NewManager(log)
	tm := txn.NewManager(tr, lm)
	return &Store{tree: tr, lm: lm, tm: tm, log: log}
}

// Root returns the root directory entry, the cwd for any path that
// does not otherwise have one.
func (s *Store) Root() *Entry { return s.tree.Root() }

// Begin starts a new ACTIVE transaction at the given isolation level.
func (s *Store) Begin(iso Isolation) *txn.Transaction {
	t := s.tm.Begin(iso)
	s.log.WithFields(logrus.Fields{"txn": t.ID, "isolation": iso}).Info("transaction started")
	return t
}

// Lookup resolves a live transaction by id, for a console/wire caller
// that only has the id string.
func (s *Store) Lookup(id string) (*txn.Transaction, error) {
	return s.tm.Get(id)
}

// Commit commits t, logging the outcome.
func (s *Store) Commit(t *txn.Transaction) error {
	err := s.tm.Commit(t)
	if err != nil {
		s.log.WithFields(logrus.Fields{"txn": t.ID, "error": err}).Warn("commit failed")
	} else {
		s.log.WithFields(logrus.Fields{"txn": t.ID}).Info("transaction committed")
	}
	return err
}

// Rollback rolls t back, terminating in ROLLED_BACK.
func (s *Store) Rollback(t *txn.Transaction) error {
	return s.tm.Rollback(t)
}

// Abort aborts t, terminating in ABORTED. Safe to call from a
// goroutine other than the one that began t.
func (s *Store) Abort(t *txn.Transaction) error {
	s.log.WithFields(logrus.Fields{"txn": t.ID}).Info("transaction aborted")
	return s.tm.Abort(t)
}

// autoTxn runs fn under a fresh auto-commit transaction when explicit
// is nil, committing on success and rolling back on failure; when
// explicit is non-nil, fn runs under it directly and the caller is
// responsible for eventually committing or aborting.
func (s *Store) autoTxn(explicit *txn.Transaction, fn func(*txn.Transaction) error) error {
	if explicit != nil {
		return fn(explicit)
	}

	t := s.tm.Begin(txn.ReadCommitted)
	if err := fn(t); err != nil {
		s.tm.Rollback(t)
		return err
	}
	return s.tm.Commit(t)
}

// Mkdir creates a directory named the last component of path.
func (s *Store) Mkdir(t *txn.Transaction, cwd *Entry, path string) (*Entry, error) {
	var out *Entry
	err := s.autoTxn(t, func(tx *txn.Transaction) error {
		parent, name, err := s.tm.ResolveParent(tx, cwd, path)
		if err != nil {
			return err
		}
		out, err = s.tm.Mkdir(tx, parent, name)
		return err
	})
	return out, err
}

// Touch creates an empty file named the last component of path.
func (s *Store) Touch(t *txn.Transaction, cwd *Entry, path string) (*Entry, error) {
	var out *Entry
	err := s.autoTxn(t, func(tx *txn.Transaction) error {
		parent, name, err := s.tm.ResolveParent(tx, cwd, path)
		if err != nil {
			return err
		}
		out, err = s.tm.Touch(tx, parent, name)
		return err
	})
	return out, err
}

// Open resolves path and marks it open for read/write.
func (s *Store) Open(t *txn.Transaction, cwd *Entry, path string) (*Entry, error) {
	var out *Entry
	err := s.autoTxn(t, func(tx *txn.Transaction) error {
		e, err := s.tm.Resolve(tx, cwd, path)
		if err != nil {
			return err
		}
		if !e.IsFile() {
			return tree.ErrNotAFile
		}
		if err := s.tm.OpenFile(tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// Read returns path's content as t (or an implicit auto-commit
// transaction) would see it.
func (s *Store) Read(t *txn.Transaction, cwd *Entry, path string) (string, error) {
	var out string
	err := s.autoTxn(t, func(tx *txn.Transaction) error {
		e, err := s.tm.Resolve(tx, cwd, path)
		if err != nil {
			return err
		}
		if !e.IsFile() {
			return tree.ErrNotAFile
		}
		out, err = s.tm.Read(tx, e)
		return err
	})
	return out, err
}

// Write buffers a new version of path's content.
func (s *Store) Write(t *txn.Transaction, cwd *Entry, path, content string) error {
	return s.autoTxn(t, func(tx *txn.Transaction) error {
		e, err := s.tm.Resolve(tx, cwd, path)
		if err != nil {
			return err
		}
		if !e.IsFile() {
			return tree.ErrNotAFile
		}
		return s.tm.Write(tx, e, content)
	})
}

// Rm removes the file or empty directory named by path.
func (s *Store) Rm(t *txn.Transaction, cwd *Entry, path string) error {
	return s.autoTxn(t, func(tx *txn.Transaction) error {
		parent, name, err := s.tm.ResolveParent(tx, cwd, path)
		if err != nil {
			return err
		}
		return s.tm.Rm(tx, parent, name)
	})
}

// Mv moves src to dst, a single logical operation.
func (s *Store) Mv(t *txn.Transaction, cwd *Entry, src, dst string) error {
	return s.autoTxn(t, func(tx *txn.Transaction) error {
		srcEntry, err := s.tm.Resolve(tx, cwd, src)
		if err != nil {
			return err
		}
		dstParent, dstName, err := s.tm.ResolveParent(tx, cwd, dst)
		if err != nil {
			return err
		}
		return s.tm.Mv(tx, srcEntry, dstParent, dstName)
	})
}

// Ls lists path's children (or cwd's, if path is empty) in
// lexicographic order, as t would see them.
func (s *Store) Ls(t *txn.Transaction, cwd *Entry, path string) ([]string, error) {
	dir := cwd
	if path != "" {
		e, err := s.tm.Resolve(t, cwd, path)
		if err != nil {
			return nil, err
		}
		dir = e
	}
	return s.tm.Ls(t, dir)
}

// ReadVersion reconstructs path's content at a specific version index,
// bypassing isolation policy entirely — used by cmd/debug to inspect
// a file's full history. An out-of-range v returns ErrNoSuchVersion.
func (s *Store) ReadVersion(cwd *Entry, path string, v int) (string, error) {
	e, err := s.tm.Resolve(nil, cwd, path)
	if err != nil {
		return "", err
	}
	if !e.IsFile() {
		return "", tree.ErrNotAFile
	}
	return e.Chain.Read(v)
}

// VersionCount returns the number of addressable versions (excluding
// v0) path's chain currently holds.
func (s *Store) VersionCount(cwd *Entry, path string) (int, error) {
	e, err := s.tm.Resolve(nil, cwd, path)
	if err != nil {
		return 0, err
	}
	if !e.IsFile() {
		return 0, tree.ErrNotAFile
	}
	return e.Chain.Len(), nil
}

// Cd resolves path to a directory entry, for a caller tracking its
// own working directory (the console, a connection's session state).
func (s *Store) Cd(t *txn.Transaction, cwd *Entry, path string) (*Entry, error) {
	e, err := s.tm.Resolve(t, cwd, path)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, tree.ErrNotADirectory
	}
	return e, nil
}
