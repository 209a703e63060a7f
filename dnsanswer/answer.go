// Package dnsanswer contains the JSON-shaped DNS answer structures shared by
// the cache, the DoH connections and the wire codec.
//
// Matches the API implemented by https://dns.google/resolve and
// https://cloudflare-dns.com/dns-query.
package dnsanswer

// RR is a JSON-encoded DNS resource record.
type RR struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// Question is a JSON-encoded DNS question.
type Question struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

// Answer is the highest level struct in a DNS-over-HTTPS JSON response, and
// also the structure the cache stores and the racing dispatcher passes
// around.
type Answer struct {
	Status int  `json:"Status"`
	TC     bool `json:"TC"`
	RD     bool `json:"RD"`
	RA     bool `json:"RA"`
	AD     bool `json:"AD"`
	CD     bool `json:"CD"`

	Question   []Question `json:"Question"`
	Answer     []RR       `json:"Answer,omitempty"`
	Authority  []RR       `json:"Authority,omitempty"`
	Additional []RR       `json:"Additional,omitempty"`

	// NameClient records provenance: "Cache", "cloudflare", "google", ...
	NameClient string `json:"NameClient"`
	// Comment is only ever surfaced via the NSID wire option, never as a
	// generic response field.
	Comment string `json:"Comment,omitempty"`
}

// TypeANY is the pseudo qtype requesting every record type for a name.
const TypeANY = 255

// CNAMEType is the DNS RR type number for CNAME records.
const CNAMEType = 5

// Flags returns the set 2-letter flags (TC, RD, RA, AD, CD) in stable order,
// for the wire layer to copy onto the outgoing message header.
func (a *Answer) Flags() []string {
	var flags []string
	if a.TC {
		flags = append(flags, "TC")
	}
	if a.RD {
		flags = append(flags, "RD")
	}
	if a.RA {
		flags = append(flags, "RA")
	}
	if a.AD {
		flags = append(flags, "AD")
	}
	if a.CD {
		flags = append(flags, "CD")
	}
	return flags
}

// Clone returns a deep copy of a, safe to hand to two readers (the
// downstream client and the cacher) racing each other.
func (a *Answer) Clone() *Answer {
	if a == nil {
		return nil
	}
	b := *a
	b.Question = append([]Question(nil), a.Question...)
	b.Answer = append([]RR(nil), a.Answer...)
	b.Authority = append([]RR(nil), a.Authority...)
	b.Additional = append([]RR(nil), a.Additional...)
	return &b
}

// QuestionName returns the first question's name, or "" if there is none.
func (a *Answer) QuestionName() string {
	if len(a.Question) == 0 {
		return ""
	}
	return a.Question[0].Name
}
