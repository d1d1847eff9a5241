// Package tree implements the Filesystem Tree of spec.md §4.3: the
// minimal directory hierarchy the transaction manager, lock manager,
// and versioned file objects sit atop. It is the pure structural
// layer — concurrency and isolation are layered on top by pkg/store;
// Tree only guards its own pointer-chasing invariants.
package tree

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vaultfs/vaultfs/pkg/dirindex"
	"github.com/vaultfs/vaultfs/pkg/pathutil"
	"github.com/vaultfs/vaultfs/pkg/version"
)

var (
	ErrNoSuchFile      = errors.New("tree: no such file")
	ErrNoSuchDirectory = errors.New("tree: no such directory")
	ErrNotAFile        = errors.New("tree: not a file")
	ErrNotADirectory   = errors.New("tree: not a directory")
	ErrAlreadyExists   = errors.New("tree: already exists")
	ErrNotEmpty        = errors.New("tree: directory not empty")
	ErrNotOpen         = errors.New("tree: file not open")
	ErrWouldCycle      = errors.New("tree: move would create a cycle")
	ErrIsRoot          = errors.New("tree: operation not valid on root")
)

// Kind tags an Entry as a Directory or a File (spec.md §3's tagged
// variant, modeled as a Go tag rather than inheritance per spec.md
// §9's Design Notes).
type Kind uint8

const (
	DirKind Kind = iota
	FileKind
)

// FileID is a process-unique, stable identity for a File entry,
// assigned at creation and unaffected by rename/move.
type FileID = uint64

// Entry is a named node in the tree: a Directory or a File.
type Entry struct {
	Name   string
	Kind   Kind
	parent *Entry

	// ID identifies this entry to the lock manager. Every entry, file
	// or directory, gets one: structural mutations take an EXCLUSIVE
	// lock on the parent directory's ID (spec.md §4.4's "Lock
	// acquisition policy"), not only on files.
	ID FileID

	// Directory fields.
	children *dirindex.Index[*Entry]

	// File fields.
	Chain *version.Chain
	open  bool
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == DirKind }

// IsFile reports whether the entry is a file.
func (e *Entry) IsFile() bool { return e.Kind == FileKind }

// Open reports whether a File entry's open flag has been set.
func (e *Entry) Open() bool { return e.open }

// Parent returns the entry's parent; the root's parent is itself,
// per spec.md §3.
func (e *Entry) Parent() *Entry {
	if e.parent == nil {
		return e
	}
	return e.parent
}

// Tree is the directory hierarchy rooted at an unnamed root
// directory.
type Tree struct {
	mu     sync.RWMutex
	root   *Entry
	nextID uint64
}

// New creates a tree containing only the root directory.
func New() *Tree {
	t := &Tree{}
	t.root = &Entry{
		Kind:     DirKind,
		ID:       t.nextFileID(),
		children: dirindex.New[*Entry](),
	}
	return t
}

// Root returns the root directory entry.
func (t *Tree) Root() *Entry {
	return t.root
}

func (t *Tree) nextFileID() FileID {
	return atomic.AddUint64(&t.nextID, 1)
}

// Resolve walks path from cwd (or the root, for an absolute path) and
// returns the entry it names.
func (t *Tree) Resolve(cwd *Entry, path string) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	components, absolute, err := pathutil.Split(path)
	if err != nil {
		return nil, err
	}

	cur := t.root
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

		if cur.Kind != DirKind {
			return nil, ErrNotADirectory
		}
		child, err := cur.children.Get(name)
		if err != nil {
			return nil, ErrNoSuchFile
		}
		cur = child
	}

	return cur, nil
}

// ResolveParent resolves the parent directory of path and returns it
// along with the final name component.
func (t *Tree) ResolveParent(cwd *Entry, path string) (*Entry, string, error) {
	components, absolute, err := pathutil.Split(path)
	if err != nil {
		return nil, "", err
	}
	if len(components) == 0 {
		return nil, "", ErrIsRoot
	}

	parentPath := pathutil.Join(components[:len(components)-1])
	if !absolute && cwd != nil {
		// Resolve relative to cwd by walking components manually.
		parent := cwd
		for _, name := range components[:len(components)-1] {
			switch name {
			case ".":
				continue
			case "..":
				parent = parent.Parent()
				continue
			}
			if parent.Kind != DirKind {
				return nil, "", ErrNotADirectory
			}
			child, err := parent.children.Get(name)
			if err != nil {
				return nil, "", ErrNoSuchDirectory
			}
			parent = child
		}
		return parent, components[len(components)-1], nil
	}

	parent, err := t.Resolve(nil, parentPath)
	if err != nil {
		return nil, "", ErrNoSuchDirectory
	}
	return parent, components[len(components)-1], nil
}

// Child looks up name under dir without resolving a full path. It is
// exported for pkg/txn's overlay-aware path resolution, which must
// fall back to the committed tree once a transaction's own pending
// structural mutations have been checked.
func (t *Tree) Child(dir *Entry, name string) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if dir.Kind != DirKind {
		return nil, ErrNotADirectory
	}
	child, err := dir.children.Get(name)
	if err != nil {
		return nil, ErrNoSuchFile
	}
	return child, nil
}

// NewFileEntry allocates a File entry parented at parent but does not
// insert it into parent's children; the caller attaches it later with
// Attach. This lets a transaction construct the entry a buffered
// touch will create — assigning it a stable ID and a version chain
// immediately — so the transaction's own subsequent reads/writes can
// address it before it is visible to anyone else at commit.
func (t *Tree) NewFileEntry(parent *Entry, name string) (*Entry, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}
	if parent.Kind != DirKind {
		return nil, ErrNotADirectory
	}
	return &Entry{
		Name:   name,
		Kind:   FileKind,
		parent: parent,
		ID:     t.nextFileID(),
		Chain:  version.NewChain(),
	}, nil
}

// NewDirEntry is NewFileEntry's directory counterpart.
func (t *Tree) NewDirEntry(parent *Entry, name string) (*Entry, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}
	if parent.Kind != DirKind {
		return nil, ErrNotADirectory
	}
	return &Entry{
		Name:     name,
		Kind:     DirKind,
		parent:   parent,
		ID:       t.nextFileID(),
		children: dirindex.New[*Entry](),
	}, nil
}

// Attach inserts a previously constructed entry (see NewFileEntry,
// NewDirEntry) into parent's children under its own Name.
func (t *Tree) Attach(parent, entry *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.Kind != DirKind {
		return ErrNotADirectory
	}
	if err := parent.children.Put(entry.Name, entry); err != nil {
		return ErrAlreadyExists
	}
	entry.parent = parent
	return nil
}

// Snapshot walks the whole tree and records every file's current
// version index, keyed by FileID — the captured map a SNAPSHOT
// transaction takes at Begin.
func (t *Tree) Snapshot() map[FileID]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[FileID]int)
	var walk func(e *Entry)
	walk = func(e *Entry) {
		if e.Kind == FileKind {
			out[e.ID] = e.Chain.Current()
			return
		}
		e.children.Each(func(_ string, child *Entry) {
			walk(child)
		})
	}
	walk(t.root)
	return out
}

// WouldCycle reports whether dst is src itself or a descendant of
// src. Exported for pkg/txn, which must run the same check against a
// move not yet applied to the tree.
func WouldCycle(src, dst *Entry) bool {
	return wouldCycle(src, dst)
}

// Touch creates an empty File entry named name under parent.
func (t *Tree) Touch(parent *Entry, name string) (*Entry, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.Kind != DirKind {
		return nil, ErrNotADirectory
	}

	entry := &Entry{
		Name:   name,
		Kind:   FileKind,
		parent: parent,
		ID:     t.nextFileID(),
		Chain:  version.NewChain(),
	}

	if err := parent.children.Put(name, entry); err != nil {
		return nil, ErrAlreadyExists
	}
	return entry, nil
}

// Mkdir creates a Directory entry named name under parent.
func (t *Tree) Mkdir(parent *Entry, name string) (*Entry, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.Kind != DirKind {
		return nil, ErrNotADirectory
	}

	entry := &Entry{
		Name:     name,
		Kind:     DirKind,
		parent:   parent,
		ID:       t.nextFileID(),
		children: dirindex.New[*Entry](),
	}

	if err := parent.children.Put(name, entry); err != nil {
		return nil, ErrAlreadyExists
	}
	return entry, nil
}

// OpenFile marks a File entry's open flag, required before read/write
// succeed.
func (t *Tree) OpenFile(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Kind != FileKind {
		return ErrNotAFile
	}
	e.open = true
	return nil
}

// Rm removes an empty Directory or any File named name under parent.
func (t *Tree) Rm(parent *Entry, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.Kind != DirKind {
		return ErrNotADirectory
	}

	entry, err := parent.children.Get(name)
	if err != nil {
		return ErrNoSuchFile
	}

	if entry.Kind == DirKind && entry.children.Size() > 0 {
		return ErrNotEmpty
	}

	return parent.children.Delete(name)
}

// Ls lists the names of dir's children in lexicographic order.
func (t *Tree) Ls(dir *Entry) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if dir.Kind != DirKind {
		return nil, ErrNotADirectory
	}
	return dir.children.Names(), nil
}

// Mv reparents src under dstParent, naming it dstName. It refuses a
// move that would place an ancestor under its own descendant
// (spec.md §9, "Cyclic directory references").
func (t *Tree) Mv(src, dstParent *Entry, dstName string) error {
	if err := pathutil.ValidateName(dstName); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if dstParent.Kind != DirKind {
		return ErrNotADirectory
	}
	if wouldCycle(src, dstParent) {
		return ErrWouldCycle
	}

	if err := dstParent.children.Put(dstName, src); err != nil {
		return ErrAlreadyExists
	}

	oldParent := src.parent
	if oldParent != nil {
		oldParent.children.Delete(src.Name)
	}

	src.Name = dstName
	src.parent = dstParent
	return nil
}

// wouldCycle reports whether dst is src itself or a descendant of
// src, which would make src its own ancestor after the move.
func wouldCycle(src, dst *Entry) bool {
	for cur := dst; cur != nil; cur = cur.parent {
		if cur == src {
			return true
		}
		if cur.parent == cur {
			break // reached the root, whose parent is itself
		}
	}
	return false
}
