// Package diff computes and applies line-based diffs between file
// content versions. The only contract it must satisfy is
// Apply(old, Diff(old, new)) == new, deterministically; spec.md §9
// leaves the exact algorithm unspecified and recommends an
// LCS-based one, so this package is built on go-difflib's
// SequenceMatcher.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// splitLines splits s into lines, each retaining its trailing "\n"
// except possibly the last. difflib.SplitLines manufactures a
// trailing "\n" on the final line even when s has none, which would
// make Apply(Diff(old, new), old) reconstruct new with a spurious
// extra newline; this variant preserves s's exact content.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Kind is the tag of a single diff operation.
type Kind uint8

const (
	Equal Kind = iota
	Insert
	Delete
)

// Op is one operation in an ordered diff: Equal/Delete consume Lines
// from the old content, Insert contributes Lines to the new content.
type Op struct {
	Kind  Kind
	Lines []string
}

// Ops is the ordered list of operations that reconstructs new from
// old when folded by Apply.
type Ops []Op

// Diff computes the ordered edit operations that transform old into
// new. A replace opcode from the underlying matcher is expanded into
// a delete followed by an insert, matching the three-operation
// contract (equal | insert | delete) spec.md §3 describes for a Diff.
func Diff(old, new string) Ops {
	a := splitLines(old)
	b := splitLines(new)

	matcher := difflib.NewMatcher(a, b)
	var ops Ops
	for _, oc := range matcher.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			ops = append(ops, Op{Kind: Equal, Lines: a[oc.I1:oc.I2]})
		case 'd':
			ops = append(ops, Op{Kind: Delete, Lines: a[oc.I1:oc.I2]})
		case 'i':
			ops = append(ops, Op{Kind: Insert, Lines: b[oc.J1:oc.J2]})
		case 'r':
			ops = append(ops, Op{Kind: Delete, Lines: a[oc.I1:oc.I2]})
			ops = append(ops, Op{Kind: Insert, Lines: b[oc.J1:oc.J2]})
		}
	}
	return ops
}

// Apply reconstructs the new content by folding ops over old: an Equal
// run copies the next lines of old, a Delete run skips them, and an
// Insert run writes its own lines. Apply does not check that old's
// lines match the lines recorded in Equal/Delete ops.
func Apply(old string, ops Ops) string {
	var b strings.Builder
	pos := 0
	oldLines := splitLines(old)

	for _, op := range ops {
		switch op.Kind {
		case Equal:
			for range op.Lines {
				if pos < len(oldLines) {
					b.WriteString(oldLines[pos])
				}
				pos++
			}
		case Delete:
			pos += len(op.Lines)
		case Insert:
			for _, l := range op.Lines {
				b.WriteString(l)
			}
		}
	}

	return b.String()
}
