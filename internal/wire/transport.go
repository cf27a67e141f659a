package wire

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameSize bounds a single inbound record.
const MaxFrameSize = 1 << 20

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Conn is one framed connection to the front-end. ReadFrame and WriteFrame
// may be called concurrently with each other but each from one goroutine.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(f Frame) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// Listener accepts front-end connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// ---- TCP / NDJSON ----

// TCPListener accepts newline-delimited JSON connections.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			return nil, r.err
		}
		return NewTCPConn(r.c), nil
	case <-ctx.Done():
		// The pending Accept returns once the listener is closed.
		go func() {
			if r := <-ch; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *TCPListener) Addr() string { return l.ln.Addr().String() }
func (l *TCPListener) Close() error { return l.ln.Close() }

type tcpConn struct {
	c       net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

// NewTCPConn frames c as NDJSON.
func NewTCPConn(c net.Conn) Conn {
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &tcpConn{c: c, scanner: sc}
}

func (t *tcpConn) ReadFrame() ([]byte, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (t *tcpConn) WriteFrame(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err = t.c.Write(b)
	return err
}

func (t *tcpConn) SetReadDeadline(d time.Time) error  { return t.c.SetReadDeadline(d) }
func (t *tcpConn) SetWriteDeadline(d time.Time) error { return t.c.SetWriteDeadline(d) }
func (t *tcpConn) Close() error                       { return t.c.Close() }
func (t *tcpConn) RemoteAddr() string                 { return t.c.RemoteAddr().String() }

// ---- WebSocket ----

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WSListener accepts WebSocket connections on a path; each text message is
// one record.
type WSListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan *websocket.Conn
	closed chan struct{}
	once   sync.Once
}

// ListenWS binds addr and serves upgrades on path.
func ListenWS(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WSListener{
		ln:     ln,
		conns:  make(chan *websocket.Conn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case l.conns <- c:
		case <-l.closed:
			c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		c.SetReadLimit(MaxFrameSize)
		return &wsConn{c: c}, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WSListener) Addr() string { return l.ln.Addr().String() }

func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, msg, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage || len(msg) == 0 {
			continue
		}
		return msg, nil
	}
}

func (w *wsConn) WriteFrame(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) SetReadDeadline(d time.Time) error  { return w.c.SetReadDeadline(d) }
func (w *wsConn) SetWriteDeadline(d time.Time) error { return w.c.SetWriteDeadline(d) }
func (w *wsConn) Close() error                       { return w.c.Close() }
func (w *wsConn) RemoteAddr() string                 { return w.c.RemoteAddr().String() }
