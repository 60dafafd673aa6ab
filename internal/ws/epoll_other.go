//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll emulates readiness notification with one goroutine per connection
// on platforms without epoll. Each goroutine peeks a byte through a
// buffered reader, reports the connection ready and waits for Resume before
// peeking again, so no frame bytes are lost.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn reads through the buffered reader the monitor peeks on.
type peekConn struct {
	net.Conn
	r      *bufio.Reader
	resume chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	p := &peekConn{Conn: conn, r: bufio.NewReader(conn), resume: make(chan struct{}, 1)}

	e.mu.Lock()
	e.conns[conn] = p
	e.mu.Unlock()

	go e.monitor(p)
	return nil
}

func (e *Epoll) monitor(p *peekConn) {
	for {
		// An error also reports readiness so the read path sees the close.
		_, err := p.r.Peek(1)

		select {
		case e.readyCh <- p:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-p.resume:
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn peek again after a frame was consumed.
func (e *Epoll) Resume(conn net.Conn) {
	if p, ok := conn.(*peekConn); ok {
		select {
		case p.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops tracking conn. Its monitor exits once the connection is
// closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	p, ok := e.conns[baseConn(conn)]
	delete(e.conns, baseConn(conn))
	e.mu.Unlock()

	if ok {
		e.Resume(p)
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// that are ready too.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitors.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

// baseConn returns the key a connection is registered under.
func baseConn(conn net.Conn) net.Conn {
	if p, ok := conn.(*peekConn); ok {
		return p.Conn
	}
	return conn
}

func isEINTR(error) bool {
	return false
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
