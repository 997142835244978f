package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/daviddao/swarmdoc/pkg/agent"
	"github.com/daviddao/swarmdoc/pkg/model"
)

const defaultURL = "ws://127.0.0.1:8473"

// app holds shared state for the client subcommands.
type app struct {
	agent *agent.Agent
	url   string
}

// newApp builds the local peer from the environment. The agent starts
// offline; commands that need the mesh call join.
func newApp() (*app, error) {
	a, err := agent.New(agent.Config{
		Peer:        model.PeerID(envOr("SWARMDOC_PEER", "")),
		Token:       envOr("SWARMDOC_TOKEN", ""),
		HistoryPath: envOr("SWARMDOC_HISTORY", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot build peer: %w", err)
	}
	return &app{
		agent: a,
		url:   envOr("SWARMDOC_URL", defaultURL),
	}, nil
}

// Close shuts the peer down, draining pending operations.
func (a *app) Close() { a.agent.Close() }

// join connects to the relay and runs the initial delta exchange.
func (a *app) join(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.agent.Join(ctx, a.url); err != nil {
		return fmt.Errorf("cannot join %s: %w", a.url, err)
	}
	return nil
}

// splitKey turns "ns.key" into its namespace and key parts.
func splitKey(s string) (ns, key string, err error) {
	i := strings.Index(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("key %q must be namespace.key", s)
	}
	return s[:i], s[i+1:], nil
}

// parseValue interprets an argument as JSON when possible, falling back
// to a plain string. "42" becomes a number, "running" a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
