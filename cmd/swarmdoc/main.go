// Command swarmdoc is the replicated-document CLI — a relay server and a
// peer client over the same operation-based store.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("swarmdoc", version)
		return
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	case "token":
		os.Exit(cmdToken(os.Args[2:]))
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	case "set":
		os.Exit(a.cmdSet(os.Args[2:]))
	case "get":
		os.Exit(a.cmdGet(os.Args[2:]))
	case "del":
		os.Exit(a.cmdDel(os.Args[2:]))
	case "inc":
		os.Exit(a.cmdInc(os.Args[2:]))
	case "watch":
		os.Exit(a.cmdWatch(os.Args[2:]))
	case "status":
		os.Exit(a.cmdStatus(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "swarmdoc: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'swarmdoc --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`swarmdoc — coordinator-free replicated document for agent swarms

Operation-based replication with version vectors. Every peer edits
locally and converges through a websocket relay; offline edits are
captured and replayed on the next join.

Usage:
  swarmdoc <command> [flags]

Server:
  serve [--addr A]          Run a relay server
  token --secret S --peer P Mint a signed join token

Commands:
  set <ns.key> <value>      Write a value (JSON or plain string)
  get <ns.key>              Read a value after syncing with the mesh
  del <ns.key>              Delete a key
  inc <ns.key> <delta>      Increment a counter
  watch [--interval N]      Stream document changes as they replicate
  status                    Show peers, liveness and version vector

Environment:
  SWARMDOC_URL       Relay URL (default: ws://127.0.0.1:8473)
  SWARMDOC_PEER      Peer identity (default: generated per invocation)
  SWARMDOC_TOKEN     Bearer token presented on join
  SWARMDOC_HISTORY   SQLite capture log path (default: in-memory)

All commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "swarmdoc: "+format+"\n", args...)
	os.Exit(1)
}
