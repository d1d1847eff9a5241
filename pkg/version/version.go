// Package version implements the Versioned File Object of spec.md
// §4.1: an append-only chain of diffs reconstructing a file's content
// at any version, with the current version a movable pointer.
package version

import (
	"errors"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/vaultfs/vaultfs/pkg/diff"
)

var (
	// ErrNoSuchVersion is returned by Read/RevertTo for an out-of-range
	// version index.
	ErrNoSuchVersion = errors.New("version: no such version")

	// ErrChecksumMismatch means a reconstructed version's digest does
	// not match the digest recorded when the version was appended —
	// an internal consistency guard, never expected in practice.
	ErrChecksumMismatch = errors.New("version: checksum mismatch")
)

type entry struct {
	ops      diff.Ops
	checksum [32]byte
}

// Chain is a per-file version chain: v0 is always the empty string,
// and each later version is stored as a diff relative to the
// previous one.
type Chain struct {
	mu       sync.RWMutex
	versions []entry // index i holds the diff producing version i+1
	cur      int
	refs     int32 // reference count kept by Pin/Unpin, for optional compaction
}

// NewChain creates a version chain with only v0 (the empty content).
func NewChain() *Chain {
	return &Chain{}
}

// Current returns the chain's current version index.
func (c *Chain) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Len returns the highest addressable version index (v0..vLen).
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.versions)
}

// Read reconstructs the content of version v by folding diffs 1..v
// over the empty baseline.
func (c *Chain) Read(v int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.read(v)
}

func (c *Chain) read(v int) (string, error) {
	if v < 0 || v > len(c.versions) {
		return "", ErrNoSuchVersion
	}
	content := ""
	for i := 0; i < v; i++ {
		content = diff.Apply(content, c.versions[i].ops)
	}
	if v > 0 {
		got := sha3.Sum256([]byte(content))
		if got != c.versions[v-1].checksum {
			return "", ErrChecksumMismatch
		}
	}
	return content, nil
}

// ReadCurrent reconstructs the content at the chain's current
// version.
func (c *Chain) ReadCurrent() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.read(c.cur)
}

// AppendVersion computes the diff between the current content and
// newContent, appends it as a new version, and advances cur to it.
// Returns the new version index.
func (c *Chain) AppendVersion(newContent string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	curContent, err := c.read(c.cur)
	if err != nil {
		return 0, err
	}

	ops := diff.Diff(curContent, newContent)
	c.versions = append(c.versions, entry{
		ops:      ops,
		checksum: sha3.Sum256([]byte(newContent)),
	})
	c.cur = len(c.versions)
	return c.cur, nil
}

// RevertTo moves cur to v without truncating the chain; later
// versions remain addressable for in-flight readers still observing
// them under an isolation snapshot.
func (c *Chain) RevertTo(v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v < 0 || v > len(c.versions) {
		return ErrNoSuchVersion
	}
	c.cur = v
	return nil
}

// Pin increments the live-reference count. The count changes only
// through explicit Pin/Unpin calls; pkg/txn does not call them.
func (c *Chain) Pin() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Unpin decrements the live-reference count, never below zero.
func (c *Chain) Unpin() {
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	c.mu.Unlock()
}

// RefCount reports the current live-reference count. Compaction of
// unreferenced prefix versions is a Non-goal of spec.md §1 ("no
// automatic garbage collection … not required") and is not performed
// here; RefCount exists only so a future compaction pass has the
// information it would need.
func (c *Chain) RefCount() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refs
}
