package transport

import (
	"fmt"
	"net"
	"sync"
)

// Listener accepts inbound TCP connections for the session layer to attach
// to the channel. Connection policy (single session, pairing gate) lives
// above; the listener only hands out raw accepted connections.
type Listener struct {
	listener net.Listener

	conns chan net.Conn
	errs  chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener on the given address.
func Listen(address string) (*Listener, error) {
	if address == "" {
		address = ":0"
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: ln,
		conns:    make(chan net.Conn, 4),
		errs:     make(chan error, 4),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conns returns accepted connections.
func (l *Listener) Conns() <-chan net.Conn {
	return l.conns
}

// Errors returns asynchronous accept errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes the listener channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.conns)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			select {
			case l.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		select {
		case l.conns <- conn:
		case <-l.closed:
			_ = conn.Close()
			return
		}
	}
}
