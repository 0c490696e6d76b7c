// internal/transport/websocket.go
// Package transport hosts the HTTP/WebSocket listeners that terminate the
// agent- and peer-facing frame connections, adapting gorilla's
// *websocket.Conn to the Socket shapes agentserver and peerserver depend on.
// Each connection gets one reader goroutine that upgrades to WebSocket and
// owns the per-socket serial ProcessFrame/HandleHandshake sequence the
// Agent Server and Peer Server both require.
package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jayk/pan-node/internal/agentserver"
	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/peerserver"
	"github.com/jayk/pan-node/internal/util"
	"go.uber.org/zap"
)

// socketConn adapts *websocket.Conn to connection.Socket and
// peerserver.Socket, which share the same (WriteJSON, Close) shape.
type socketConn struct {
	conn    *websocket.Conn
	writeMu chan struct{}
}

func newSocketConn(conn *websocket.Conn) *socketConn {
	s := &socketConn{conn: conn, writeMu: make(chan struct{}, 1)}
	s.writeMu <- struct{}{}
	return s
}

// WriteJSON serialises v as one WebSocket text message. gorilla's Conn
// forbids concurrent writers, so this is serialised independently of the
// connection's own read loop.
func (s *socketConn) WriteJSON(v any) error {
	<-s.writeMu
	defer func() { s.writeMu <- struct{}{} }()
	return s.conn.WriteJSON(v)
}

// Close closes the underlying connection.
func (s *socketConn) Close() error { return s.conn.Close() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AgentListener upgrades inbound HTTP connections on its address to
// WebSocket and feeds every frame through server.ProcessFrame, one reader
// goroutine per socket, serially, as agentserver.Server's from-spoofing and
// resume logic requires.
type AgentListener struct {
	Addr   string
	Server *agentserver.Server
}

// ListenAndServe blocks, serving until ctx is cancelled, then shuts down the
// HTTP server and returns. Sockets already upgraded to WebSocket are neither
// closed nor waited for.
func (l *AgentListener) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Logger().Warn("transport: agent ws upgrade failed", zap.Error(err))
			return
		}
		go l.serveAgentConn(ctx, conn)
	})
	return serveHTTP(ctx, l.Addr, mux)
}

func (l *AgentListener) serveAgentConn(ctx context.Context, conn *websocket.Conn) {
	sock := newSocketConn(conn)
	handle := l.Server.Accept(sock)
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		next, closed := l.Server.ProcessFrame(ctx, handle, raw)
		handle = next
		if closed {
			return
		}
	}
}

// PeerListener upgrades inbound HTTP connections to WebSocket and consumes
// exactly the handshake frame via server.HandleHandshake; anything past that
// belongs to the Peer Router, out of scope here.
type PeerListener struct {
	Addr   string
	Server *peerserver.Server
}

// ListenAndServe blocks, serving until ctx is cancelled.
func (l *PeerListener) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Logger().Warn("transport: peer ws upgrade failed", zap.Error(err))
			return
		}
		go l.servePeerConn(conn)
	})
	return serveHTTP(ctx, l.Addr, mux)
}

func (l *PeerListener) servePeerConn(conn *websocket.Conn) {
	sock := newSocketConn(conn)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	// HandleHandshake closes the socket itself on any failure; on success
	// ownership passes to the Peer Router (out of scope for this module).
	l.Server.HandleHandshake(sock, raw)
}

func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux) error {
	srv := &http.Server{Addr: addr, Handler: mux}

	var ln net.Listener
	bindErr := util.Retry(ctx, util.RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second, MaxElapsedTime: 10 * time.Second}, func() error {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			logging.Logger().Warn("transport: listen failed, retrying", zap.String("addr", addr), zap.Error(err))
			return err
		}
		ln = l
		return nil
	})
	if bindErr != nil {
		return bindErr
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
