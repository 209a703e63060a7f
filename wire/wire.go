// Package wire adapts between raw DNS-over-UDP bytes and the
// dnsanswer.Answer shape the rest of the forwarder works with, using
// github.com/miekg/dns for the actual wire codec.
package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/miekg/dns"

	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
	"github.com/mikispag/dns-over-https-forwarder/dnserror"
)

// nsidPrefix is the literal reply format this forwarder uses for the NSID
// EDNS(0) option: "named1/<NameClient>[: <Comment>]".
const nsidPrefix = "named1/"

// MaxDatagramSize is the largest inbound UDP datagram accepted; anything
// larger is dropped. udpserver sizes its receive buffer off this too.
const MaxDatagramSize = 8192

// Query is the first (and only supported) question from an inbound message,
// plus the EDNS(0) bits the dispatcher and response builder need.
type Query struct {
	Name     string
	Qtype    uint16
	DO       bool
	WantNSID bool
}

// ParseQuery unpacks an inbound DNS/UDP datagram. It also returns the parsed
// *dns.Msg so the caller can build a matching response via BuildResponse;
// callers should treat any error as dnserror.Malformed and drop the
// datagram without killing the receive loop.
func ParseQuery(data []byte) (*Query, *dns.Msg, error) {
	if len(data) > MaxDatagramSize {
		return nil, nil, fmt.Errorf("wire: datagram too large (%d bytes): %w", len(data), dnserror.Malformed)
	}
	req := new(dns.Msg)
	if err := req.Unpack(data); err != nil {
		return nil, nil, fmt.Errorf("wire: unpack: %w: %v", dnserror.Malformed, err)
	}
	if len(req.Question) == 0 {
		return nil, nil, fmt.Errorf("wire: %w: no question section", dnserror.Malformed)
	}
	q := req.Question[0]
	query := &Query{
		Name:     q.Name,
		Qtype:    q.Qtype,
		DO:       isDNSSECRequested(req),
		WantNSID: wantsNSID(req),
	}
	return query, req, nil
}

func isDNSSECRequested(req *dns.Msg) bool {
	opt := req.IsEdns0()
	return opt != nil && opt.Do()
}

func wantsNSID(req *dns.Msg) bool {
	opt := req.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		if o.Option() == dns.EDNS0NSID {
			return true
		}
	}
	return false
}

// BuildResponse builds and packs the reply to req. resolveErr, if non-nil,
// becomes SERVFAIL regardless of what answer (if anything) was produced.
func BuildResponse(req *dns.Msg, answer *dnsanswer.Answer, resolveErr error) ([]byte, error) {
	resp := new(dns.Msg)
	resp.SetReply(req)

	if resolveErr != nil {
		resp.Rcode = dns.RcodeServerFailure
		return resp.Pack()
	}

	resp.Rcode = answer.Status
	applyFlags(resp, answer)
	resp.Answer = toRRs(answer.Answer)
	resp.Ns = toRRs(answer.Authority)
	resp.Extra = toRRs(answer.Additional)

	if wantsNSID(req) {
		attachNSID(resp, answer)
	}

	return resp.Pack()
}

func applyFlags(resp *dns.Msg, answer *dnsanswer.Answer) {
	for _, f := range answer.Flags() {
		switch f {
		case "TC":
			resp.Truncated = true
		case "RD":
			resp.RecursionDesired = true
		case "RA":
			resp.RecursionAvailable = true
		case "AD":
			resp.AuthenticatedData = true
		case "CD":
			resp.CheckingDisabled = true
		}
	}
}

func toRRs(rrs []dnsanswer.RR) []dns.RR {
	var out []dns.RR
	for _, r := range rrs {
		rr, err := rrFromAnswer(r)
		if err != nil {
			continue
		}
		out = append(out, rr)
	}
	return out
}

func rrFromAnswer(r dnsanswer.RR) (dns.RR, error) {
	typeStr, ok := dns.TypeToString[r.Type]
	if !ok {
		return nil, fmt.Errorf("wire: unknown rr type %d for %q", r.Type, r.Name)
	}
	text := fmt.Sprintf("%s %d IN %s %s", r.Name, r.TTL, typeStr, r.Data)
	rr, err := dns.NewRR(text)
	if err != nil {
		return nil, fmt.Errorf("wire: parse rr %q: %w", text, err)
	}
	return rr, nil
}

// attachNSID sets the reply's NSID option to "named1/<NameClient>[: <Comment>]",
// hex-encoded as the wire format requires.
func attachNSID(resp *dns.Msg, answer *dnsanswer.Answer) {
	payload := nsidPrefix + answer.NameClient
	if answer.Comment != "" {
		payload += ": " + answer.Comment
	}
	opt := resp.IsEdns0()
	if opt == nil {
		resp.SetEdns0(dns.DefaultMsgSize, false)
		opt = resp.IsEdns0()
	}
	opt.Option = append(opt.Option, &dns.NSID{
		Code: dns.EDNS0NSID,
		Nsid: hex.EncodeToString([]byte(payload)),
	})
}
