package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/daviddao/swarmdoc/pkg/wire"
)

// ServerConfig controls the relay server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8473" or "127.0.0.1:0".
	Addr string

	// SharedToken, when set, requires every client to present it as the
	// bearer credential.
	SharedToken string

	// JWTSecret, when set, requires a signed HS256 token whose subject
	// matches the declared peer header. Takes precedence over
	// SharedToken.
	JWTSecret []byte

	// MaxMessageSize bounds inbound frames. 0 means DefaultMaxMessageSize.
	MaxMessageSize int64
}

// Server accepts websocket connections from peers and relays every
// envelope to all other registered clients. A client becomes registered
// under its peer id once its handshake envelope arrives; until then it
// only receives broadcasts addressed to everyone.
//
// Envelopes whose sender field does not match the connection's
// authenticated identity are dropped. Frames that fail envelope decoding
// are dropped with a log line; neither tears the connection down.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*serverConn
	anon    map[*serverConn]struct{}

	ln   net.Listener
	http *http.Server

	onEnvelope func(*wire.Envelope)
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	peer    string // authenticated or handshake-declared identity
}

func (c *serverConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// NewServer returns an unstarted relay server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		cfg:     cfg,
		clients: make(map[string]*serverConn),
		anon:    make(map[*serverConn]struct{}),
	}
}

// OnEnvelope registers a callback invoked for every relayed envelope.
// Must be called before Start.
func (s *Server) OnEnvelope(cb func(*wire.Envelope)) {
	s.onEnvelope = cb
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.http = &http.Server{Handler: mux}
	go func() {
		if serr := s.http.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			slog.Error("relay server stopped", "err", serr)
		}
	}()
	slog.Info("relay listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// URL returns the ws:// URL of the bound listener.
func (s *Server) URL() string {
	return "ws://" + s.Addr()
}

// Stop shuts the server down and closes all client connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.ws.Close()
	}
	for c := range s.anon {
		c.ws.Close()
	}
	s.clients = make(map[string]*serverConn)
	s.anon = make(map[*serverConn]struct{})
	s.mu.Unlock()
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

// ClientCount returns the number of registered peers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// authenticate checks the handshake headers and returns the verified
// peer identity. An empty identity with a nil error means the server
// runs open and the peer registers itself via handshake envelope.
func (s *Server) authenticate(r *http.Request) (string, error) {
	declared := r.Header.Get(HeaderPeer)

	if len(s.cfg.JWTSecret) > 0 {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			return "", fmt.Errorf("missing bearer credential")
		}
		subject, err := verifyToken(s.cfg.JWTSecret, token)
		if err != nil {
			return "", err
		}
		if declared != "" && declared != subject {
			return "", fmt.Errorf("peer header %q does not match token subject", declared)
		}
		return subject, nil
	}

	if s.cfg.SharedToken != "" {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.SharedToken)) != 1 {
			return "", fmt.Errorf("invalid shared credential")
		}
		return declared, nil
	}

	return declared, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peer, err := s.authenticate(r)
	if err != nil {
		slog.Warn("handshake rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := &serverConn{ws: ws, peer: peer}
	s.mu.Lock()
	if peer != "" {
		if old, ok := s.clients[peer]; ok {
			old.ws.Close()
		}
		s.clients[peer] = conn
	} else {
		s.anon[conn] = struct{}{}
	}
	s.mu.Unlock()
	slog.Info("peer connected", "peer", peer, "remote", r.RemoteAddr)

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *serverConn) {
	defer s.dropConn(conn)
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		env, derr := wire.Decode(data)
		if derr != nil {
			slog.Warn("dropping undecodable frame", "peer", conn.peer, "err", derr)
			continue
		}
		if conn.peer != "" && string(env.Sender) != conn.peer {
			slog.Warn("dropping envelope with forged sender",
				"peer", conn.peer, "claimed", env.Sender)
			continue
		}

		if env.Type == wire.MsgHandshake {
			s.register(conn, env)
		}
		if s.onEnvelope != nil {
			s.onEnvelope(env)
		}
		s.relay(conn, data)
	}
}

// register promotes an anonymous connection to a named client using the
// identity declared in its handshake envelope. Authenticated connections
// are already registered; their handshake is relayed but changes nothing.
func (s *Server) register(conn *serverConn, env *wire.Envelope) {
	if conn.peer != "" || env.Sender == "" {
		return
	}
	s.mu.Lock()
	conn.peer = string(env.Sender)
	delete(s.anon, conn)
	if old, ok := s.clients[conn.peer]; ok && old != conn {
		old.ws.Close()
	}
	s.clients[conn.peer] = conn
	s.mu.Unlock()
	slog.Info("peer registered", "peer", conn.peer)
}

// relay fans a frame out to every other connection. Write failures mark
// the target for removal.
func (s *Server) relay(from *serverConn, data []byte) {
	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.clients)+len(s.anon))
	for _, c := range s.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	for c := range s.anon {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			slog.Warn("relay write failed, dropping client", "peer", c.peer, "err", err)
			c.ws.Close()
		}
	}
}

// Broadcast sends an encoded envelope to every connected client.
func (s *Server) Broadcast(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	s.relay(nil, data)
	return nil
}

func (s *Server) dropConn(conn *serverConn) {
	conn.ws.Close()
	s.mu.Lock()
	if conn.peer != "" && s.clients[conn.peer] == conn {
		delete(s.clients, conn.peer)
	}
	delete(s.anon, conn)
	s.mu.Unlock()
	if conn.peer != "" {
		slog.Info("peer disconnected", "peer", conn.peer)
	}
}
