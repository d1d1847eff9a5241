package diff

import "testing"

func TestApplyRoundTrip(t *testing.T) {
	cases := []struct {
		old, new string
	}{
		{"", "hello"},
		{"hello\n", "hello\nworld\n"},
		{"line1\nline2\nline3\n", "line1\nline2b\nline3\n"},
		{"a\nb\nc\n", "a\nc\n"},
		{"same", "same"},
		{"x", ""},
	}

	for _, c := range cases {
		ops := Diff(c.old, c.new)
		got := Apply(c.old, ops)
		if got != c.new {
			t.Errorf("Apply(Diff(%q,%q)) = %q, want %q", c.old, c.new, got, c.new)
		}
	}
}

func TestApplyIdempotentWritesSameContent(t *testing.T) {
	// Diffing the same pair twice yields the same ops, and applying
	// either reconstructs identical content. Distinct version indices
	// for two identical writes are a property of pkg/version's chain.
	old := "v1\n"
	new := "v1\n"

	ops1 := Diff(old, new)
	ops2 := Diff(old, new)

	if Apply(old, ops1) != new || Apply(old, ops2) != new {
		t.Fatal("idempotent write did not reconstruct identical content")
	}
}

func TestVersionSequenceRoundTrip(t *testing.T) {
	contents := []string{"", "v1", "v1\nv2", "v3 only"}
	cur := contents[0]
	var chain []Ops

	for _, next := range contents[1:] {
		chain = append(chain, Diff(cur, next))
		cur = next
	}

	reconstructed := contents[0]
	for i, ops := range chain {
		reconstructed = Apply(reconstructed, ops)
		if reconstructed != contents[i+1] {
			t.Fatalf("version %d: got %q, want %q", i+1, reconstructed, contents[i+1])
		}
	}
}
