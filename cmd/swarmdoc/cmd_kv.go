package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

const joinTimeout = 10 * time.Second

// settle gives the relay a moment to deliver deltas after a sync. The
// exchange is two round trips, so this is generous on a LAN.
const settle = 500 * time.Millisecond

func (a *app) cmdSet(args []string) int {
	flags := flag.NewFlagSet("set", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: swarmdoc set <ns.key> <value>")
		return 1
	}
	ns, key, err := splitKey(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: set: %v\n", err)
		return 1
	}

	if err := a.join(joinTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: set: %v\n", err)
		return 1
	}
	if err := a.agent.Namespace(ns, 0).Set(key, parseValue(flags.Arg(1))); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: set: %v\n", err)
		return 1
	}
	if err := a.agent.Leave(5 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: set: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]any{"ok": true, "key": flags.Arg(0)})
	} else {
		fmt.Printf("set %s\n", flags.Arg(0))
	}
	return 0
}

func (a *app) cmdGet(args []string) int {
	flags := flag.NewFlagSet("get", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmdoc get <ns.key>")
		return 1
	}
	ns, key, err := splitKey(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: get: %v\n", err)
		return 1
	}

	if err := a.join(joinTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: get: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := a.agent.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: get: %v\n", err)
		return 1
	}
	time.Sleep(settle)

	v := a.agent.Namespace(ns, 0).Get(key)
	if v.IsAbsent() {
		fmt.Fprintf(os.Stderr, "swarmdoc: get: %s not found\n", flags.Arg(0))
		return 1
	}
	if *jsonOut {
		printJSON(map[string]any{"key": flags.Arg(0), "value": v.Native()})
	} else {
		printJSON(v.Native())
	}
	return 0
}

func (a *app) cmdDel(args []string) int {
	flags := flag.NewFlagSet("del", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmdoc del <ns.key>")
		return 1
	}
	ns, key, err := splitKey(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: del: %v\n", err)
		return 1
	}

	if err := a.join(joinTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: del: %v\n", err)
		return 1
	}
	if err := a.agent.Namespace(ns, 0).Delete(key); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: del: %v\n", err)
		return 1
	}
	if err := a.agent.Leave(5 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: del: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]any{"ok": true, "key": flags.Arg(0)})
	} else {
		fmt.Printf("deleted %s\n", flags.Arg(0))
	}
	return 0
}

func (a *app) cmdInc(args []string) int {
	flags := flag.NewFlagSet("inc", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: swarmdoc inc <ns.key> <delta>")
		return 1
	}
	ns, key, err := splitKey(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: inc: %v\n", err)
		return 1
	}
	delta, err := strconv.ParseInt(flags.Arg(1), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: inc: delta %q is not an integer\n", flags.Arg(1))
		return 1
	}

	if err := a.join(joinTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: inc: %v\n", err)
		return 1
	}
	nsv := a.agent.Namespace(ns, 0)
	if err := nsv.Inc(key, delta); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: inc: %v\n", err)
		return 1
	}
	if err := a.agent.Leave(5 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: inc: %v\n", err)
		return 1
	}

	total := nsv.Counter(key)
	if *jsonOut {
		printJSON(map[string]any{"key": flags.Arg(0), "total": total})
	} else {
		fmt.Printf("%s = %d\n", flags.Arg(0), total)
	}
	return 0
}
