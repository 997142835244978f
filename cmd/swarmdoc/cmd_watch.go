package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/swarmdoc/pkg/vclock"
)

// cmdWatch joins the mesh and prints the document every time its
// version vector advances.
func (a *app) cmdWatch(args []string) int {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := flags.Int("interval", 1, "poll interval in seconds")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if err := a.join(joinTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: watch: %v\n", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Duration(*interval) * time.Second)
	defer ticker.Stop()

	var last vclock.VersionVector
	for {
		select {
		case <-sig:
			return 0
		case <-ticker.C:
			vv := a.agent.Version()
			if last != nil && vv.Compare(last) == vclock.Equal {
				continue
			}
			last = vv
			if *jsonOut {
				printJSON(map[string]any{
					"version":  vv,
					"document": a.agent.Store().Document().Native(),
				})
			} else {
				fmt.Printf("--- version %v ---\n", vv)
				printJSON(a.agent.Store().Document().Native())
			}
		}
	}
}
