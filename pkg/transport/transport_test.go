package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daviddao/swarmdoc/pkg/model"
	"github.com/daviddao/swarmdoc/pkg/wire"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxMessageSize != DefaultMaxMessageSize {
		t.Fatalf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, DefaultMaxMessageSize)
	}
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("ConnectTimeout = %v, want %v", cfg.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.BackoffCeiling != DefaultBackoffCeiling {
		t.Fatalf("BackoffCeiling = %v, want %v", cfg.BackoffCeiling, DefaultBackoffCeiling)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Fatalf("MaxRetries = %d, want %d", cfg.MaxRetries, DefaultMaxRetries)
	}
}

func TestMintAndVerifyToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := MintToken(secret, "peer-1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	subject, err := verifyToken(secret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "peer-1" {
		t.Fatalf("subject = %q, want %q", subject, "peer-1")
	}
	if _, err := verifyToken([]byte("wrong-secret"), token); err == nil {
		t.Fatal("token verified under the wrong secret")
	}
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	tr := NewWebSocket("ws://127.0.0.1:1", Config{MaxMessageSize: 64})
	err := tr.Send(context.Background(), make([]byte, 65))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestConnectGivesUpAfterRetryCeiling(t *testing.T) {
	tr := NewWebSocket("ws://127.0.0.1:1", Config{
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffCeiling: 2 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
	})
	err := tr.Connect(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if !cerr.Fatal {
		t.Fatal("retry exhaustion should be fatal")
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", tr.State())
	}
}

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func connectPeer(t *testing.T, srv *Server, peer string, cfg Config) *WebSocketTransport {
	t.Helper()
	cfg.Peer = peer
	tr := NewWebSocket(srv.URL(), cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", peer, err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func sendEnvelope(t *testing.T, tr *WebSocketTransport, env *wire.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := tr.Send(context.Background(), data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func handshake(t *testing.T, tr *WebSocketTransport, peer string) {
	t.Helper()
	payload, err := wire.EncodeHandshake(wire.Handshake{Peer: peer})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	sendEnvelope(t, tr, wire.NewEnvelope(wire.MsgHandshake, model.PeerID(peer), payload))
}

func TestRelayBetweenPeers(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	alice := connectPeer(t, srv, "alice", Config{})
	bob := connectPeer(t, srv, "bob", Config{})

	handshake(t, alice, "alice")
	handshake(t, bob, "bob")

	// bob's handshake arrives at alice first, drain it
	recvCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := alice.Receive(recvCtx); err != nil {
		t.Fatalf("receive handshake: %v", err)
	}

	payload, _ := wire.EncodeAck(nil)
	sendEnvelope(t, bob, wire.NewEnvelope(wire.MsgAck, "bob", payload))

	data, err := alice.Receive(recvCtx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != wire.MsgAck || env.Sender != "bob" {
		t.Fatalf("got %v from %q, want ack from bob", env.Type, env.Sender)
	}
}

func TestServerRejectsBadSharedToken(t *testing.T) {
	srv := startServer(t, ServerConfig{SharedToken: "right"})

	tr := NewWebSocket(srv.URL(), Config{
		Peer:           "alice",
		Token:          "wrong",
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err == nil {
		tr.Close()
		t.Fatal("connect succeeded with the wrong shared token")
	}

	good := connectPeer(t, srv, "alice", Config{Token: "right"})
	if !good.IsConnected() {
		t.Fatal("correct token should connect")
	}
}

func TestJWTAuthBindsPeerIdentity(t *testing.T) {
	secret := []byte("jwt-secret")
	srv := startServer(t, ServerConfig{JWTSecret: secret})

	token, err := MintToken(secret, "alice", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// declaring someone else's identity with alice's token is rejected
	imp := NewWebSocket(srv.URL(), Config{
		Peer:           "bob",
		Token:          token,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := imp.Connect(ctx); err == nil {
		imp.Close()
		t.Fatal("connect succeeded with mismatched token subject")
	}

	alice := connectPeer(t, srv, "alice", Config{Token: token})
	if !alice.IsConnected() {
		t.Fatal("matching token subject should connect")
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", srv.ClientCount())
	}
}

func TestServerDropsForgedSender(t *testing.T) {
	secret := []byte("jwt-secret")
	srv := startServer(t, ServerConfig{JWTSecret: secret})

	aliceToken, _ := MintToken(secret, "alice", time.Minute)
	carolToken, _ := MintToken(secret, "carol", time.Minute)
	alice := connectPeer(t, srv, "alice", Config{Token: aliceToken})
	carol := connectPeer(t, srv, "carol", Config{Token: carolToken})

	payload, _ := wire.EncodeAck(nil)
	sendEnvelope(t, alice, wire.NewEnvelope(wire.MsgAck, "bob", payload))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if data, err := carol.Receive(ctx); err == nil {
		env, _ := wire.Decode(data)
		t.Fatalf("forged envelope was relayed: %+v", env)
	}
}

func TestReceiveReturnsOnContextCancel(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	alice := connectPeer(t, srv, "alice", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := alice.Receive(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("receive returned nil after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock on context cancel")
	}
}
