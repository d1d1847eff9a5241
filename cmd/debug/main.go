package main

import (
	"fmt"

	"github.com/vaultfs/vaultfs/pkg/store"
)

func main() {
	fmt.Println("=== vaultfs debug session ===")

	s := store.New(nil)
	root := s.Root()

	s.Mkdir(nil, root, "/docs")
	s.Touch(nil, root, "/docs/readme")
	s.Open(nil, root, "/docs/readme")

	fmt.Println("\n1. Created /docs/readme, writing three versions:")
	for i, content := range []string{"first draft", "second draft", "final draft"} {
		if err := s.Write(nil, root, "/docs/readme", content); err != nil {
			fmt.Printf("   write %d failed: %v\n", i, err)
			continue
		}
		fmt.Printf("   wrote version %d: %q\n", i+1, content)
	}

	dumpVersions(s, root, "/docs/readme")

	fmt.Println("\n2. Renaming /docs to /archive:")
	if err := s.Mv(nil, root, "/docs", "/archive"); err != nil {
		fmt.Printf("   mv failed: %v\n", err)
	}
	dumpVersions(s, root, "/archive/readme")

	fmt.Println("\n3. A transaction that writes then aborts:")
	t := s.Begin(store.ReadCommitted)
	s.Open(t, root, "/archive/readme")
	s.Write(t, root, "/archive/readme", "uncommitted edit")
	content, _ := s.Read(t, root, "/archive/readme")
	fmt.Printf("   transaction %s sees: %q\n", t.ID, content)
	s.Abort(t)
	content, _ = s.Read(nil, root, "/archive/readme")
	fmt.Printf("   after abort, committed readers see: %q\n", content)

	fmt.Println("\n4. Listing root:")
	names, _ := s.Ls(nil, root, "")
	fmt.Printf("   %v\n", names)

	fmt.Println("\n=== done ===")
}

// dumpVersions prints every addressable version of path's content,
// reconstructed from its diff chain, bypassing isolation policy.
func dumpVersions(s *store.Store, root *store.Entry, path string) {
	n, err := s.VersionCount(root, path)
	if err != nil {
		fmt.Printf("   version count for %s: %v\n", path, err)
		return
	}
	fmt.Printf("   %s has %d version(s):\n", path, n)
	for v := 0; v <= n; v++ {
		content, err := s.ReadVersion(root, path, v)
		if err != nil {
			fmt.Printf("     v%d: error: %v\n", v, err)
			continue
		}
		fmt.Printf("     v%d: %q\n", v, content)
	}
}
