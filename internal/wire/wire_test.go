package wire

import (
	"testing"

	"github.com/miekg/dns"
)

func buildQuery(t *testing.T, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	raw, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return raw
}

func buildReply(t *testing.T, query []byte, rcode int) []byte {
	t.Helper()
	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	m := new(dns.Msg)
	m.SetRcode(q, rcode)
	raw, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return raw
}

func TestParseQuery(t *testing.T) {
	raw := buildQuery(t, "Example.COM.", dns.TypeA, 42)
	msg, err := ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if msg.QName != "example.com" {
		t.Errorf("QName = %q, want example.com", msg.QName)
	}
	if msg.QType != dns.TypeA {
		t.Errorf("QType = %d, want A", msg.QType)
	}
	if msg.ID() != 42 {
		t.Errorf("ID() = %d, want 42", msg.ID())
	}
}

func TestParseTooShort(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != ErrTooShort {
		t.Errorf("err = %v, want ErrTooShort", err)
	}
}

func TestParseQueryRequiresQuestion(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 7
	raw, _ := m.Pack()
	if _, err := ParseQuery(raw); err != ErrNoQuestion {
		t.Errorf("err = %v, want ErrNoQuestion", err)
	}
}

func TestIsSuccess(t *testing.T) {
	query := buildQuery(t, "example.com", dns.TypeA, 1)

	cases := []struct {
		rcode int
		want  bool
	}{
		{dns.RcodeSuccess, true},
		{dns.RcodeNameError, true},
		{dns.RcodeServerFailure, false},
		{dns.RcodeRefused, false},
		{dns.RcodeNotImplemented, true},
	}
	for _, c := range cases {
		raw := buildReply(t, query, c.rcode)
		msg, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got := msg.IsSuccess(); got != c.want {
			t.Errorf("rcode %d: IsSuccess() = %v, want %v", c.rcode, got, c.want)
		}
	}
}

func TestIsTruncated(t *testing.T) {
	query := buildQuery(t, "example.com", dns.TypeA, 1)
	q := new(dns.Msg)
	q.Unpack(query)
	m := new(dns.Msg)
	m.SetReply(q)
	m.Truncated = true
	raw, _ := m.Pack()

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.IsTruncated() {
		t.Error("IsTruncated() = false, want true")
	}
}

func TestWithID(t *testing.T) {
	raw := buildQuery(t, "example.com", dns.TypeA, 1)
	msg, err := ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}

	rewritten := msg.WithID(0xBEEF)
	out, err := Parse(rewritten)
	if err != nil {
		t.Fatalf("Parse rewritten: %v", err)
	}
	if out.ID() != 0xBEEF {
		t.Errorf("ID() = %x, want BEEF", out.ID())
	}
	if out.QName != "example.com" {
		t.Errorf("QName changed after WithID: %q", out.QName)
	}
}

func TestValidateResponseMatches(t *testing.T) {
	query := buildQuery(t, "example.com", dns.TypeA, 99)
	qMsg, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}

	goodReply := buildReply(t, query, dns.RcodeSuccess)
	rMsg, err := Parse(goodReply)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ValidateResponseMatches(qMsg, rMsg) {
		t.Error("ValidateResponseMatches = false, want true")
	}

	otherQuery := buildQuery(t, "other.com", dns.TypeAAAA, 99)
	badReply := buildReply(t, otherQuery, dns.RcodeSuccess)
	rMsg2, err := Parse(badReply)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ValidateResponseMatches(qMsg, rMsg2) {
		t.Error("ValidateResponseMatches = true for mismatched question, want false")
	}
}

func TestSynthesizeServfail(t *testing.T) {
	raw := buildQuery(t, "example.com", dns.TypeA, 1234)
	query, err := ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}

	servfail := SynthesizeServfail(query)
	m := new(dns.Msg)
	if err := m.Unpack(servfail); err != nil {
		t.Fatalf("Unpack servfail: %v", err)
	}
	if m.Id != 1234 {
		t.Errorf("Id = %d, want 1234", m.Id)
	}
	if m.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %d, want SERVFAIL", m.Rcode)
	}
	if !m.Response {
		t.Error("Response bit not set on synthesized SERVFAIL")
	}
}
