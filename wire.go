package mdns

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Question mirrors a DNS question section entry. The QU bit (the
// high bit of the qclass) is surfaced as Unicast rather than
// folded into Class, matching the cache-flush/CacheFlush split chosen
// for Record.
type Question struct {
	Name    string
	Type    RRType
	Unicast bool
	Class   uint16
}

// Packet is this engine's in-memory representation of a decoded or
// about-to-be-encoded mDNS message, standing in for the source
// system's message builder. It deliberately mirrors
// only the sections this engine reads or writes.
type Packet struct {
	TransactionID uint16
	Response      bool
	Truncated     bool
	Questions     []Question
	Answers       []Record
	Authority     []Record
	Additional    []Record
}

func (p *Packet) allAnswerLike() []Record {
	all := make([]Record, 0, len(p.Answers)+len(p.Authority)+len(p.Additional))
	all = append(all, p.Answers...)
	all = append(all, p.Authority...)
	all = append(all, p.Additional...)
	return all
}

// parsePacket decodes a raw mDNS response datagram. The heavy lifting
// (name decompression with a bounded pointer walk, length-prefixed
// labels) is github.com/miekg/dns's; this layer adds the
// mDNS-specific classification of failures and records.
func parsePacket(data []byte, now time.Time) (*Packet, *ParseError) {
	if len(data) == 0 {
		return nil, newParseError(ParseErrEOF, nil)
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return nil, newParseError(classifyUnpackError(err), err)
	}
	if !msg.Response {
		return nil, newParseError(ParseErrNotAResponse, nil)
	}
	if len(msg.Answer) == 0 && len(msg.Ns) == 0 && len(msg.Extra) == 0 {
		return nil, newParseError(ParseErrNoAnswers, nil)
	}

	p := &Packet{
		TransactionID: msg.Id,
		Response:      msg.Response,
		Truncated:     msg.Truncated,
	}
	for _, rr := range msg.Answer {
		if r, ok := recordFromRR(rr, now); ok {
			p.Answers = append(p.Answers, r)
		}
	}
	for _, rr := range msg.Ns {
		if r, ok := recordFromRR(rr, now); ok {
			p.Authority = append(p.Authority, r)
		}
	}
	for _, rr := range msg.Extra {
		if r, ok := recordFromRR(rr, now); ok {
			p.Additional = append(p.Additional, r)
		}
	}
	return p, nil
}

// classifyUnpackError buckets miekg/dns's internal unpack errors into
// ParseErrorKind. miekg/dns does not export error sentinels for
// these cases, so classification is by message substring; anything
// unrecognized is treated conservatively as a malformed name, the
// most common root cause of an mDNS unpack failure in the wild.
func classifyUnpackError(err error) ParseErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "buffer size too small") || strings.Contains(msg, "overflow"):
		return ParseErrEOF
	case strings.Contains(msg, "too many compression pointers") || strings.Contains(msg, "compression pointer loop"):
		return ParseErrLabelPointerLoop
	case strings.Contains(msg, "bad rdlength") || strings.Contains(msg, "bad length"):
		return ParseErrBadLength
	default:
		return ParseErrMalformedName
	}
}

// writePacket serializes a Packet for a single datagram. It is the
// caller's responsibility (writeQueryPackets) to ensure the result
// fits the link MTU; writePacket itself never splits.
func writePacket(p *Packet) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = p.TransactionID
	msg.Response = p.Response
	msg.Truncated = p.Truncated
	msg.Opcode = dns.OpcodeQuery
	msg.Authoritative = p.Response

	for _, q := range p.Questions {
		class := uint16(dns.ClassINET)
		if q.Unicast {
			class |= classCacheFlushBit
		}
		msg.Question = append(msg.Question, dns.Question{
			Name:   dns.Fqdn(q.Name),
			Qtype:  uint16(q.Type),
			Qclass: class,
		})
	}
	for _, r := range p.Answers {
		rr, err := recordToRR(r)
		if err != nil {
			return nil, err
		}
		msg.Answer = append(msg.Answer, rr)
	}
	for _, r := range p.Authority {
		rr, err := recordToRR(r)
		if err != nil {
			return nil, err
		}
		msg.Ns = append(msg.Ns, rr)
	}
	for _, r := range p.Additional {
		rr, err := recordToRR(r)
		if err != nil {
			return nil, err
		}
		msg.Extra = append(msg.Extra, rr)
	}
	return msg.Pack()
}

// fragmentItem is either a question or an answer-like record; splitting
// walks both uniformly so "split at a record boundary" applies to
// questions and answers alike.
type fragmentItem struct {
	question *Question
	record   *Record
}

// writeQueryPackets splits a query across datagrams at record
// boundaries, never inside a record, sets TC on every non-final
// datagram, and returns ParseErrPacketTooLarge if a single record can
// never fit.
func writeQueryPackets(p *Packet, mtu int) ([][]byte, error) {
	items := make([]fragmentItem, 0, len(p.Questions)+len(p.Answers))
	for i := range p.Questions {
		q := p.Questions[i]
		items = append(items, fragmentItem{question: &q})
	}
	for i := range p.Answers {
		r := p.Answers[i]
		items = append(items, fragmentItem{record: &r})
	}
	if len(items) == 0 {
		buf, err := writePacket(p)
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}

	var datagrams [][]byte
	cur := &Packet{TransactionID: p.TransactionID, Response: p.Response}
	flushCur := func(truncated bool) error {
		cur.Truncated = truncated
		buf, err := writePacket(cur)
		if err != nil {
			return err
		}
		datagrams = append(datagrams, buf)
		return nil
	}

	addToCur := func(it fragmentItem) {
		if it.question != nil {
			cur.Questions = append(cur.Questions, *it.question)
		} else {
			cur.Answers = append(cur.Answers, *it.record)
		}
	}
	removeLastFromCur := func(it fragmentItem) {
		if it.question != nil {
			cur.Questions = cur.Questions[:len(cur.Questions)-1]
		} else {
			cur.Answers = cur.Answers[:len(cur.Answers)-1]
		}
	}

	for i, it := range items {
		addToCur(it)
		buf, err := writePacket(cur)
		tooBig := err != nil || len(buf) > mtu
		if tooBig {
			removeLastFromCur(it)
			if len(cur.Questions)+len(cur.Answers) == 0 {
				// A single item alone does not fit: unsplittable.
				return nil, newParseError(ParseErrPacketTooLarge, err)
			}
			if ferr := flushCur(true); ferr != nil {
				return nil, ferr
			}
			cur = &Packet{TransactionID: p.TransactionID, Response: p.Response}
			addToCur(it)
			if buf, err := writePacket(cur); err != nil || len(buf) > mtu {
				return nil, newParseError(ParseErrPacketTooLarge, err)
			}
		}
		if i == len(items)-1 {
			if err := flushCur(false); err != nil {
				return nil, err
			}
		}
	}
	return datagrams, nil
}
