// Package transport implements the Local-Stream Transport (§4.2): a
// framed line-delimited JSON protocol over a Unix-domain socket (§6.2).
// Each connection gets one reader goroutine; replies on a connection are
// serialized through a per-connection mutex (§4.2's "Ordering"). The
// request-in / parked-respond-closure / reply-out shape is generalized
// from internal/providers/claude.go's handleHook, which does the same
// thing over one-shot HTTP requests instead of a persistent socket.
package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/agent-afk/afkd/internal/afkerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Frame is one decoded JSON line. Fields are left as a generic map since
// the field set varies by request `type` (§6.1); the Request Router picks
// out what it needs per type.
type Frame map[string]any

func (f Frame) String(key string) string {
	v, _ := f[key].(string)
	return v
}

// RespondFunc writes one reply frame on the connection that produced the
// request. Safe to call from any goroutine; calls on one connection are
// serialized internally.
type RespondFunc func(frame any) error

// Handler processes one inbound frame. conn is passed through so a
// handler can register conn.Done() for close detection (used by the
// Request Router when parking a reply, §4.2).
type Handler func(conn *Conn, frame Frame, respond RespondFunc)

// Conn wraps one accepted connection. ID is a server-generated tracking
// handle for log correlation across a connection's lifetime — the same
// architectural role as the teacher's `approvalID := uuid.New().String()`
// in internal/providers/claude.go, here naming a connection instead of a
// single approval wait (a connection may carry several requests in
// sequence, §4.2's "Ordering").
type Conn struct {
	ID   string
	nc   net.Conn
	wmu  sync.Mutex
	done chan struct{}
}

// Done returns a channel closed when the connection's reader loop exits
// (EOF, error, or explicit Close) — the "connection-closed signal" of
// §4.2, used by the Resolution Watcher to detect a dropped hook (§4.9).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the connection has already closed.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLine(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return afkerr.Wrap(afkerr.TransportLocal, "marshal reply frame", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(data); err != nil {
		return afkerr.Wrap(afkerr.TransportLocal, "write reply frame", err)
	}
	return nil
}

// Listener accepts hook connections on the Unix-domain socket.
type Listener struct {
	path string
	ln   net.Listener
	log  zerolog.Logger
	wg   sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen removes a stale socket file (if any) and binds a new Unix-domain
// socket at path (§6.2's "Platform-dependent" endpoint — this repo targets
// the Unix-socket family).
func Listen(log zerolog.Logger, path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("transport: could not remove stale socket, binding may fail")
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, afkerr.Wrap(afkerr.TransportLocal, "listen", err)
	}
	return &Listener{path: path, ln: ln, log: log, conns: make(map[*Conn]struct{})}, nil
}

// Serve accepts connections until the listener is closed, dispatching
// each parsed frame to handler. Serve blocks; run it in its own
// goroutine.
func (l *Listener) Serve(handler Handler) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return
		}
		conn := &Conn{ID: uuid.New().String(), nc: nc, done: make(chan struct{})}
		l.track(conn)
		l.wg.Add(1)
		go l.serveConn(conn, handler)
	}
}

func (l *Listener) track(conn *Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn *Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) serveConn(conn *Conn, handler Handler) {
	defer l.wg.Done()
	defer func() {
		close(conn.done)
		conn.nc.Close()
		l.untrack(conn)
	}()
	l.log.Debug().Str("conn_id", conn.ID).Msg("transport: connection accepted")

	sc := bufio.NewScanner(conn.nc)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			l.log.Debug().Err(err).Msg("transport: malformed frame, dropping connection")
			return
		}
		handler(conn, frame, conn.writeLine)
	}
}

// Close stops accepting new connections, force-closes every live
// connection so blocked hooks see EOF (§5's "Cancellation"), and removes
// the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()

	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.nc.Close()
	}

	os.Remove(l.path)
	l.wg.Wait()
	return err
}
