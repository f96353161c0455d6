package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/dnsfallback/internal/wire"
)

// testPort picks a fixed, rarely-used loopback port for tests that need the same address bound
// by both a UDP and TCP listener (the truncation-upgrade path dials the same addr on both nets).
const testPort = 15391

func buildQueryMessage(t *testing.T, name string, id uint16) *wire.Message {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	raw, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	msg, err := wire.ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	return msg
}

// fakeUDPResolver answers every UDP query with respond(query) until stopped.
func fakeUDPResolver(t *testing.T, port int, respond func(*dns.Msg) *dns.Msg) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			reply := respond(q)
			if reply == nil {
				continue
			}
			out, err := reply.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDP(out, raddr)
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

func fakeTCPResolver(t *testing.T, port int, respond func(*dns.Msg) *dns.Msg) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				co := &dns.Conn{Conn: c}
				q, err := co.ReadMsg()
				if err != nil {
					return
				}
				reply := respond(q)
				if reply == nil {
					return
				}
				co.WriteMsg(reply)
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestQuerySuccess(t *testing.T) {
	addr, stop := fakeUDPResolver(t, 0, func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		return r
	})
	defer stop()

	query := buildQueryMessage(t, "example.com", 1)
	resp, _, err := Query(context.Background(), query, addr, time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !resp.IsSuccess() {
		t.Error("expected success response")
	}
}

func TestQueryTruncatedUpgradesToTCP(t *testing.T) {
	_, stopUDP := fakeUDPResolver(t, testPort, func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		r.Truncated = true
		return r
	})
	defer stopUDP()

	addr, stopTCP := fakeTCPResolver(t, testPort, func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		return r
	})
	defer stopTCP()

	query := buildQueryMessage(t, "example.com", 2)
	resp, _, err := Query(context.Background(), query, addr, time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.IsTruncated() {
		t.Error("final reply should be the non-truncated TCP answer")
	}
}

func TestQueryTruncatedFallsBackToUDPWhenTCPFails(t *testing.T) {
	const port = testPort + 1
	addr, stopUDP := fakeUDPResolver(t, port, func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		r.Truncated = true
		return r
	})
	defer stopUDP()
	// Deliberately no TCP listener bound on the same port, so the TCP retry fails with
	// connection refused.

	query := buildQueryMessage(t, "example.com", 5)
	resp, _, err := Query(context.Background(), query, addr, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Query: %v, want the truncated UDP response instead of an error", err)
	}
	if !resp.IsTruncated() {
		t.Error("expected the truncated UDP response to be returned as a fallback")
	}
}

func TestQueryMismatch(t *testing.T) {
	addr, stop := fakeUDPResolver(t, 0, func(q *dns.Msg) *dns.Msg {
		other := new(dns.Msg)
		other.SetQuestion(dns.Fqdn("other.example"), dns.TypeA)
		other.Id = q.Id
		r := new(dns.Msg)
		r.SetReply(other)
		r.Id = q.Id
		return r
	})
	defer stop()

	query := buildQueryMessage(t, "example.com", 3)
	_, _, err := Query(context.Background(), query, addr, time.Second)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	terr, ok := err.(*Error)
	if !ok || terr.Kind != KindMismatch {
		t.Errorf("err = %v, want KindMismatch", err)
	}
}

func TestQueryTimeout(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	query := buildQueryMessage(t, "example.com", 4)
	_, _, err = Query(context.Background(), query, conn.LocalAddr().String(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	terr, ok := err.(*Error)
	if !ok || terr.Kind != KindTimeout {
		t.Errorf("err = %v, want KindTimeout", err)
	}
}
