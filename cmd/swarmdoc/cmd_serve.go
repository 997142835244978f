package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/swarmdoc/pkg/transport"
)

func cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := flags.String("addr", ":8473", "listen address")
	token := flags.String("token", envOr("SWARMDOC_TOKEN", ""), "shared bearer token clients must present")
	jwtSecret := flags.String("jwt-secret", envOr("SWARMDOC_JWT_SECRET", ""), "HS256 secret; clients must present a signed token")
	maxMsg := flags.Int64("max-message", transport.DefaultMaxMessageSize, "maximum frame size in bytes")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := transport.ServerConfig{
		Addr:           *addr,
		SharedToken:    *token,
		MaxMessageSize: *maxMsg,
	}
	if *jwtSecret != "" {
		cfg.JWTSecret = []byte(*jwtSecret)
	}

	srv := transport.NewServer(cfg)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: serve: %v\n", err)
		return 1
	}
	fmt.Printf("relay listening on %s\n", srv.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: serve: shutdown: %v\n", err)
		return 1
	}
	return 0
}

func cmdToken(args []string) int {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := flags.String("secret", envOr("SWARMDOC_JWT_SECRET", ""), "HS256 secret")
	peer := flags.String("peer", envOr("SWARMDOC_PEER", ""), "peer identity the token is bound to")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *secret == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "swarmdoc: token: --secret and --peer are required")
		return 1
	}

	token, err := transport.MintToken([]byte(*secret), *peer, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmdoc: token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
