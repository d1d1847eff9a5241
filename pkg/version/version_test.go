package version

import "testing"

func TestEmptyChainReadsEmptyString(t *testing.T) {
	c := NewChain()
	got, err := c.Read(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("v0 = %q, want empty", got)
	}
}

func TestAppendVersionAdvancesCurrent(t *testing.T) {
	c := NewChain()

	v1, err := c.AppendVersion("hello")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != 1 {
		t.Errorf("v1 = %d, want 1", v1)
	}
	if c.Current() != 1 {
		t.Errorf("Current() = %d, want 1", c.Current())
	}

	got, err := c.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("ReadCurrent() = %q, want hello", got)
	}
}

func TestRoundTripSequence(t *testing.T) {
	c := NewChain()
	contents := []string{"a", "ab", "abc", "ab"}

	for i, content := range contents {
		v, err := c.AppendVersion(content)
		if err != nil {
			t.Fatal(err)
		}
		if v != i+1 {
			t.Fatalf("version %d, want %d", v, i+1)
		}
	}

	for i, want := range contents {
		got, err := c.Read(i + 1)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Read(%d) = %q, want %q", i+1, got, want)
		}
	}
}

func TestReadOutOfRange(t *testing.T) {
	c := NewChain()
	if _, err := c.Read(1); err != ErrNoSuchVersion {
		t.Errorf("expected ErrNoSuchVersion, got %v", err)
	}
	if _, err := c.Read(-1); err != ErrNoSuchVersion {
		t.Errorf("expected ErrNoSuchVersion, got %v", err)
	}
}

func TestRevertToIsO1AndAddressable(t *testing.T) {
	c := NewChain()
	c.AppendVersion("v1")
	c.AppendVersion("v2")
	c.AppendVersion("v3")

	if err := c.RevertTo(1); err != nil {
		t.Fatal(err)
	}
	if c.Current() != 1 {
		t.Errorf("Current() = %d, want 1", c.Current())
	}

	// v3 remains addressable though cur points at v1.
	got, err := c.Read(3)
	if err != nil {
		t.Fatal(err)
	}
	if got != "v3" {
		t.Errorf("Read(3) = %q, want v3", got)
	}
}

func TestIdempotentWritesDistinctVersions(t *testing.T) {
	c := NewChain()
	v1, _ := c.AppendVersion("same")
	v2, _ := c.AppendVersion("same")

	if v1 == v2 {
		t.Fatal("expected distinct version indices")
	}

	c1, _ := c.Read(v1)
	c2, _ := c.Read(v2)
	if c1 != c2 {
		t.Errorf("reconstructed content differs: %q vs %q", c1, c2)
	}
}

func TestRefCounting(t *testing.T) {
	c := NewChain()
	c.Pin()
	c.Pin()
	if c.RefCount() != 2 {
		t.Fatalf("RefCount() = %d, want 2", c.RefCount())
	}
	c.Unpin()
	if c.RefCount() != 1 {
		t.Fatalf("RefCount() = %d, want 1", c.RefCount())
	}
}
