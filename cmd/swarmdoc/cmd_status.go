package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if err := a.join(joinTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: status: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := a.agent.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: status: %v\n", err)
		return 1
	}
	time.Sleep(settle)

	infos := a.agent.Peers()
	vv := a.agent.Version()

	if *jsonOut {
		printJSON(map[string]any{
			"peer":    a.agent.PeerID(),
			"version": vv,
			"peers":   infos,
		})
		return 0
	}

	fmt.Printf("peer: %s\n", a.agent.PeerID())
	fmt.Printf("version: %v\n", vv)
	if len(infos) == 0 {
		fmt.Println("peers: none")
		return 0
	}
	fmt.Println("peers:")
	for _, info := range infos {
		last := "never"
		if !info.LastSeen.IsZero() {
			last = info.LastSeen.Format("15:04:05")
		}
		fmt.Printf("  %-36s %-12s last_seen=%s\n", info.Peer, info.State, last)
	}
	return 0
}
