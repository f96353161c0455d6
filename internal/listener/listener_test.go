package listener

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/dnsfallback/internal/bypass"
	"github.com/markdingo/dnsfallback/internal/config"
	"github.com/markdingo/dnsfallback/internal/dedupe"
	"github.com/markdingo/dnsfallback/internal/pipeline"
	"github.com/markdingo/dnsfallback/internal/selector"
)

func startFakeUpstream(t *testing.T) (ep config.ResolverEndpoint, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
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
			r := new(dns.Msg)
			r.SetReply(q)
			out, _ := r.Pack()
			conn.WriteToUDP(out, raddr)
		}
	}()
	host, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	return config.ResolverEndpoint{Host: host, Port: port, Name: "upstream"}, func() { conn.Close() }
}

func buildPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	ep, _ := startFakeUpstream(t)
	sel := selector.New([]config.ResolverEndpoint{ep}, nil, time.Hour, time.Second, nil)
	bc := bypass.New(true, 100, 3, time.Hour, nil)
	return pipeline.New(sel, bc, dedupe.New(time.Second, time.Second), nil, time.Second, time.Second, false)
}

func buildQuery(t *testing.T) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	m.Id = 77
	raw, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return raw
}

func TestListenerUDPRoundTrip(t *testing.T) {
	l := New(buildPipeline(t), 10, 4096)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	addr := l.udpConn.LocalAddr().String()
	client, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(buildQuery(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	m := new(dns.Msg)
	if err := m.Unpack(buf[:n]); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if m.Id != 77 {
		t.Errorf("Id = %d, want 77", m.Id)
	}
}

func TestListenerTCPRoundTrip(t *testing.T) {
	l := New(buildPipeline(t), 10, 4096)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	addr := l.tcpLn.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	query := buildQuery(t)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(query)))
	if _, err := conn.Write(append(lenBuf, query...)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respLen := make([]byte, 2)
	if _, err := readFull(conn, respLen); err != nil {
		t.Fatalf("read length: %v", err)
	}
	n := binary.BigEndian.Uint16(respLen)
	resp := make([]byte, n)
	if _, err := readFull(conn, resp); err != nil {
		t.Fatalf("read body: %v", err)
	}

	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if m.Id != 77 {
		t.Errorf("Id = %d, want 77", m.Id)
	}
}

func TestListenerStopDrainsQuickly(t *testing.T) {
	l := New(buildPipeline(t), 10, 4096)
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	l.Stop()
	if time.Since(start) > ShutdownGrace {
		t.Errorf("Stop took %v, want <= %v", time.Since(start), ShutdownGrace)
	}
}
