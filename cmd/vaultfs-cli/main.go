package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vaultfs/vaultfs/pkg/store"
	"github.com/vaultfs/vaultfs/pkg/txn"
)

var flagHelp bool

func init() {
	flag.BoolVar(&flagHelp, "help", false, "Show help")
	flag.BoolVar(&flagHelp, "h", false, "Show help (short)")
}

func main() {
	flag.Parse()
	if flagHelp {
		printHelp()
		return
	}
	runInteractive()
}

func printHelp() {
	fmt.Print(`
vaultfs console

Usage:
  mkdir <path>              touch <path>
  open <path>               read <path>  [--txn <id>]
  write <path> <content>    [--txn <id>]
  rm <path>                 mv <src> <dst>
  ls [<path>]               cd <path>
  txn_start [<isolation>]   begins a transaction, prints its id
  txn_commit <id>           txn_abort <id>

Isolation tokens: READ_UNCOMMITTED, READ_COMMITTED (default), SNAPSHOT.
.quit / .exit leaves the console.
`)
}

type console struct {
	store *store.Store
	cwd   *store.Entry
	txns  map[string]*txn.Transaction
}

func runInteractive() {
	s := store.New(nil)
	c := &console{store: s, cwd: s.Root(), txns: make(map[string]*txn.Transaction)}

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("vaultfs console. Type '.help' for commands, '.quit' to exit.")

	for {
		fmt.Print("vaultfs> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == ".quit" || line == ".exit" {
			break
		}
		if line == ".help" {
			printHelp()
			continue
		}
		c.run(line)
	}
}

func (c *console) run(line string) {
	fields, err := tokenize(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if len(fields) == 0 {
		return
	}

	cmd, args := fields[0], fields[1:]
	txnID, args := extractTxnFlag(args)

	var t *txn.Transaction
	if txnID != "" {
		t, err = c.store.Lookup(txnID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
	}

	switch cmd {
	case "mkdir":
		requireArgs(args, 1, "mkdir <path>")
		_, err = c.store.Mkdir(t, c.cwd, args[0])
	case "touch":
		requireArgs(args, 1, "touch <path>")
		_, err = c.store.Touch(t, c.cwd, args[0])
	case "open":
		requireArgs(args, 1, "open <path>")
		_, err = c.store.Open(t, c.cwd, args[0])
	case "read":
		requireArgs(args, 1, "read <path>")
		var content string
		content, err = c.store.Read(t, c.cwd, args[0])
		if err == nil {
			fmt.Println(content)
		}
	case "write":
		requireArgs(args, 2, "write <path> <content>")
		err = c.store.Write(t, c.cwd, args[0], args[1])
	case "rm":
		requireArgs(args, 1, "rm <path>")
		err = c.store.Rm(t, c.cwd, args[0])
	case "mv":
		requireArgs(args, 2, "mv <src> <dst>")
		err = c.store.Mv(t, c.cwd, args[0], args[1])
	case "ls":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		var names []string
		names, err = c.store.Ls(t, c.cwd, path)
		if err == nil {
			fmt.Println(strings.Join(names, "  "))
		}
	case "cd":
		requireArgs(args, 1, "cd <path>")
		var e *store.Entry
		e, err = c.store.Cd(t, c.cwd, args[0])
		if err == nil {
			c.cwd = e
		}
	case "txn_start":
		iso := ""
		if len(args) > 0 {
			iso = args[0]
		}
		var level store.Isolation
		level, err = txn.ParseIsolation(iso)
		if err != nil {
			break
		}
		started := c.store.Begin(level)
		c.txns[started.ID] = started
		fmt.Printf("Transaction started: %s\n", started.ID)
	case "txn_commit":
		requireArgs(args, 1, "txn_commit <id>")
		var target *txn.Transaction
		target, err = c.store.Lookup(args[0])
		if err == nil {
			err = c.store.Commit(target)
		}
	case "txn_abort":
		requireArgs(args, 1, "txn_abort <id>")
		var target *txn.Transaction
		target, err = c.store.Lookup(args[0])
		if err == nil {
			err = c.store.Abort(target)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
	}
}

// extractTxnFlag pulls a trailing "--txn <id>" pair out of args,
// returning the id (empty if absent) and the remaining args in order.
func extractTxnFlag(args []string) (string, []string) {
	for i, a := range args {
		if a == "--txn" && i+1 < len(args) {
			id := args[i+1]
			rest := append([]string{}, args[:i]...)
			rest = append(rest, args[i+2:]...)
			return id, rest
		}
	}
	return "", args
}

// tokenize splits a command line on whitespace, treating a
// double-quoted substring as a single token (so write content can
// contain spaces).
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasToken = true
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	flush()
	return tokens, nil
}
