// Package listener runs the dual UDP/TCP frontend: it accepts client DNS queries, hands each one to
// a bounded worker pool for pipeline processing, and writes the response back. A full worker pool
// drops new UDP datagrams (the client will retry) and resets new TCP connections (RST rather than
// queuing, since a stalled queue behind a dead pipeline is worse than a fast failure).
package listener

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/dnsfallback/internal/concurrencytracker"
	"github.com/markdingo/dnsfallback/internal/connectiontracker"
	"github.com/markdingo/dnsfallback/internal/constants"
	"github.com/markdingo/dnsfallback/internal/pipeline"
)

// pollInterval bounds how long a blocking Read/Accept call can run before checking for shutdown,
// giving Stop() roughly one-second responsiveness without busy-looping.
const pollInterval = time.Second

// ShutdownGrace is the maximum time Stop() waits for in-flight workers to drain before returning
// regardless of whether they've finished.
const ShutdownGrace = 10 * time.Second

// Listener runs the UDP and TCP frontends sharing one worker pool and one Pipeline.
type Listener struct {
	pipe       *pipeline.Pipeline
	bufferSize int
	workers    chan struct{}

	cct concurrencytracker.Counter
	ct  *connectiontracker.Tracker

	udpConn *net.UDPConn
	tcpLn   *net.TCPListener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Listener with the given worker pool size and UDP receive buffer size.
func New(pipe *pipeline.Pipeline, workerPoolSize, bufferSize int) *Listener {
	return &Listener{
		pipe:       pipe,
		bufferSize: bufferSize,
		workers:    make(chan struct{}, workerPoolSize),
		ct:         connectiontracker.New("tcp"),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the UDP and TCP sockets at addr and launches the accept loops. It returns once both
// sockets are bound successfully, or the first bind error encountered.
func (l *Listener) Start(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	l.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		l.udpConn.Close()
		return err
	}
	l.tcpLn, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		l.udpConn.Close()
		return err
	}

	l.wg.Add(2)
	go l.udpLoop()
	go l.tcpLoop()

	return nil
}

// Stop signals both accept loops to exit and waits up to ShutdownGrace for outstanding work to
// finish before returning.
func (l *Listener) Stop() {
	close(l.stopCh)
	if l.udpConn != nil {
		l.udpConn.Close()
	}
	if l.tcpLn != nil {
		l.tcpLn.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownGrace):
	}
}

// PeakConcurrency reports the peak number of concurrently active workers since the last call when
// reset is true, for the periodic status report.
func (l *Listener) PeakConcurrency(reset bool) int {
	return l.cct.Peak(reset)
}

// ConnTracker exposes the TCP connection tracker so callers can fold it into a periodic status
// report; connectiontracker.Tracker already implements reporter.Reporter.
func (l *Listener) ConnTracker() *connectiontracker.Tracker {
	return l.ct
}

func (l *Listener) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Listener) udpLoop() {
	defer l.wg.Done()

	buf := make([]byte, l.bufferSize)
	for {
		if l.stopping() {
			return
		}

		l.udpConn.SetReadDeadline(time.Now().Add(pollInterval))
		n, raddr, err := l.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		select {
		case l.workers <- struct{}{}:
		default:
			continue // worker pool full: drop the datagram, the client will retry
		}

		l.wg.Add(1)
		go func(q []byte, raddr *net.UDPAddr) {
			defer l.wg.Done()
			defer func() { <-l.workers }()
			l.cct.Add()
			defer l.cct.Done()

			resp, err := l.pipe.Handle(context.Background(), raddr, q)
			if err != nil || resp == nil {
				return
			}
			resp = l.truncateForUDP(resp)
			l.udpConn.WriteToUDP(resp, raddr)
		}(query, raddr)
	}
}

// truncateForUDP trims an oversized response to the DNS truncation threshold and sets TC=1,
// matching RFC 1035's truncate-at-the-wire behavior for UDP. Responses already within bounds (or
// carrying EDNS0, which raises the effective limit) are returned unchanged - the proxy never
// rebuilds the message, only the TC bit and length differ.
func (l *Listener) truncateForUDP(resp []byte) []byte {
	consts := constants.Get()
	if len(resp) <= consts.DNSTruncateThreshold {
		return resp
	}
	m := new(dns.Msg)
	if err := m.Unpack(resp); err == nil && m.IsEdns0() != nil {
		return resp
	}

	truncated := make([]byte, consts.DNSTruncateThreshold)
	copy(truncated, resp[:consts.DNSTruncateThreshold])
	truncated[2] |= 0x02 // TC bit
	return truncated
}

func (l *Listener) tcpLoop() {
	defer l.wg.Done()

	for {
		if l.stopping() {
			return
		}

		l.tcpLn.SetDeadline(time.Now().Add(pollInterval))
		conn, err := l.tcpLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		select {
		case l.workers <- struct{}{}:
		default:
			resetConn(conn)
			continue
		}

		l.wg.Add(1)
		go l.serveTCP(conn)
	}
}

func resetConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()
}

const tcpIdleTimeout = 5 * time.Second

func (l *Listener) serveTCP(conn net.Conn) {
	defer l.wg.Done()
	defer func() { <-l.workers }()

	key := conn.RemoteAddr().String()
	l.ct.ConnState(key, time.Now(), http.StateNew)
	defer func() {
		conn.Close()
		l.ct.ConnState(key, time.Now(), http.StateClosed)
	}()

	l.cct.Add()
	defer l.cct.Done()

	for {
		conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))

		length := make([]byte, 2)
		if _, err := readFull(conn, length); err != nil {
			return
		}
		n := int(length[0])<<8 | int(length[1])
		if n == 0 {
			return
		}

		msg := make([]byte, n)
		if _, err := readFull(conn, msg); err != nil {
			return
		}

		l.ct.ConnState(key, time.Now(), http.StateActive)
		resp, err := l.pipe.Handle(context.Background(), conn.RemoteAddr(), msg)
		l.ct.ConnState(key, time.Now(), http.StateIdle)
		if err != nil || resp == nil {
			continue
		}

		out := make([]byte, 2+len(resp))
		out[0] = byte(len(resp) >> 8)
		out[1] = byte(len(resp))
		copy(out[2:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
