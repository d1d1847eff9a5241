package tree

import "testing"

func TestTouchAndResolve(t *testing.T) {
	tr := New()
	root := tr.Root()

	_, err := tr.Touch(root, "a")
	if err != nil {
		t.Fatal(err)
	}

	e, err := tr.Resolve(root, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsFile() {
		t.Fatal("expected a file")
	}
}

func TestTouchDuplicateRejected(t *testing.T) {
	tr := New()
	root := tr.Root()
	tr.Touch(root, "a")

	if _, err := tr.Touch(root, "a"); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestTouchUnderFileRejected(t *testing.T) {
	tr := New()
	root := tr.Root()

	dir, err := tr.Mkdir(root, "d")
	if err != nil {
		t.Fatal(err)
	}
	file, err := tr.Touch(dir, "f")
	if err != nil {
		t.Fatal(err)
	}

	// Touching under a file (not a directory) must fail.
	if _, err := tr.Touch(file, "x"); err != ErrNotADirectory {
		t.Fatalf("expected ErrNotADirectory, got %v", err)
	}
}

func TestIDStableAcrossMove(t *testing.T) {
	tr := New()
	root := tr.Root()

	f, _ := tr.Touch(root, "a")
	id := f.ID

	dir, _ := tr.Mkdir(root, "d")
	if err := tr.Mv(f, dir, "a"); err != nil {
		t.Fatal(err)
	}

	moved, err := tr.Resolve(root, "/d/a")
	if err != nil {
		t.Fatal(err)
	}
	if moved.ID != id {
		t.Errorf("FileID changed across move: %d != %d", moved.ID, id)
	}
}

func TestRmNonEmptyDirectoryFails(t *testing.T) {
	tr := New()
	root := tr.Root()
	dir, _ := tr.Mkdir(root, "d")
	tr.Touch(dir, "f")

	if err := tr.Rm(root, "d"); err != ErrNotEmpty {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}

	tr.Rm(dir, "f")
	if err := tr.Rm(root, "d"); err != nil {
		t.Fatalf("expected rm of empty dir to succeed: %v", err)
	}
}

func TestLsOrdered(t *testing.T) {
	tr := New()
	root := tr.Root()
	tr.Touch(root, "banana")
	tr.Touch(root, "apple")
	tr.Mkdir(root, "zdir")

	names, err := tr.Ls(root)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"apple", "banana", "zdir"}
	if len(names) != len(want) {
		t.Fatalf("Ls() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Ls() = %v, want %v", names, want)
		}
	}
}

func TestMvCycleRejected(t *testing.T) {
	tr := New()
	root := tr.Root()
	a, _ := tr.Mkdir(root, "a")
	b, _ := tr.Mkdir(a, "b")

	// Moving "a" under its own descendant "b" must be refused.
	if err := tr.Mv(a, b, "a"); err != ErrWouldCycle {
		t.Fatalf("expected ErrWouldCycle, got %v", err)
	}
}

func TestMvIntoSelfRejected(t *testing.T) {
	tr := New()
	root := tr.Root()
	a, _ := tr.Mkdir(root, "a")

	if err := tr.Mv(a, a, "a"); err != ErrWouldCycle {
		t.Fatalf("expected ErrWouldCycle, got %v", err)
	}
}

func TestDotDotResolvesToParent(t *testing.T) {
	tr := New()
	root := tr.Root()
	a, _ := tr.Mkdir(root, "a")
	tr.Mkdir(a, "b")

	e, err := tr.Resolve(a, "../a/b")
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "b" {
		t.Errorf("resolved %q, want b", e.Name)
	}
}

func TestRootParentIsItself(t *testing.T) {
	tr := New()
	root := tr.Root()
	if root.Parent() != root {
		t.Error("root's parent should be itself")
	}
}
