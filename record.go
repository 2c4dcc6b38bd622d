package mdns

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// RRType enumerates the record variants the engine understands. It
// mirrors github.com/miekg/dns's own RR tags but narrows to the set
// this engine actually interprets.
type RRType uint16

const (
	TypeA RRType = RRType(dns.TypeA)
	TypeAAAA RRType = RRType(dns.TypeAAAA)
	TypePTR  RRType = RRType(dns.TypePTR)
	TypeSRV  RRType = RRType(dns.TypeSRV)
	TypeTXT  RRType = RRType(dns.TypeTXT)
	TypeNSEC RRType = RRType(dns.TypeNSEC)
)

const classCacheFlushBit = 0x8000

// RecordHeader carries the metadata common to every record variant:
// everything miekg/dns's dns.RR_Header already has, plus the
// receipt-time this engine must track itself (miekg/dns has no notion
// of "when did I see this").
type RecordHeader struct {
	Name        string
	Type        RRType
	Class       uint16 // always the plain class, cache-flush bit stripped
	CacheFlush  bool
	ReceiptTime time.Time
	TTL         time.Duration
}

// RemainingTTL returns max(0, receipt + TTL - now).
func (h RecordHeader) RemainingTTL(now time.Time) time.Duration {
	expiry := h.ReceiptTime.Add(h.TTL)
	if !now.Before(expiry) {
		return 0
	}
	return expiry.Sub(now)
}

// NeedsRenewal is true once the remaining TTL has decayed to half the
// original value.
func (h RecordHeader) NeedsRenewal(now time.Time) bool {
	return h.RemainingTTL(now) <= h.TTL/2
}

func (h RecordHeader) expired(now time.Time) bool {
	return h.RemainingTTL(now) == 0
}

// Record is the tagged-variant replacement for an inheritance-based
// record hierarchy: one interface, one concrete struct per RR shape.
type Record interface {
	Header() RecordHeader
	key() recordKey
	sameValue(Record) bool
}

// recordKey identifies "the same record slot" for cache-flush and
// overwrite purposes: (name, rrtype, rrclass), case-folded.
type recordKey struct {
	name  string
	rtype RRType
	class uint16
}

func newRecordKey(name string, t RRType, class uint16) recordKey {
	return recordKey{name: upperASCII(trimTrailingDot(name)), rtype: t, class: class}
}

type AddressRecord struct {
	RecordHeader
	Addr net.IP
}

func (r *AddressRecord) Header() RecordHeader { return r.RecordHeader }
func (r *AddressRecord) key() recordKey {
	return newRecordKey(r.Name, r.Type, r.Class)
}
func (r *AddressRecord) sameValue(o Record) bool {
	other, ok := o.(*AddressRecord)
	return ok && other.Addr.Equal(r.Addr)
}

type PTRRecord struct {
	RecordHeader
	Target string
}

func (r *PTRRecord) Header() RecordHeader { return r.RecordHeader }
func (r *PTRRecord) key() recordKey       { return newRecordKey(r.Name, r.Type, r.Class) }
func (r *PTRRecord) sameValue(o Record) bool {
	other, ok := o.(*PTRRecord)
	return ok && equalDNS(other.Target, r.Target)
}

type SRVRecord struct {
	RecordHeader
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (r *SRVRecord) Header() RecordHeader { return r.RecordHeader }
func (r *SRVRecord) key() recordKey       { return newRecordKey(r.Name, r.Type, r.Class) }
func (r *SRVRecord) sameValue(o Record) bool {
	other, ok := o.(*SRVRecord)
	return ok && other.Priority == r.Priority && other.Weight == r.Weight &&
		other.Port == r.Port && equalDNS(other.Target, r.Target)
}

// TXTRecord holds an ordered list of "key[=value]" entries. A TXT
// record carrying a single zero byte is equivalent to an empty entry
// list.
type TXTRecord struct {
	RecordHeader
	Entries []string
}

func (r *TXTRecord) Header() RecordHeader { return r.RecordHeader }
func (r *TXTRecord) key() recordKey       { return newRecordKey(r.Name, r.Type, r.Class) }
func (r *TXTRecord) sameValue(o Record) bool {
	other, ok := o.(*TXTRecord)
	if !ok {
		return false
	}
	if r.empty() && other.empty() {
		return true
	}
	if len(other.Entries) != len(r.Entries) {
		return false
	}
	for i := range r.Entries {
		if other.Entries[i] != r.Entries[i] {
			return false
		}
	}
	return true
}

func (r *TXTRecord) empty() bool {
	if len(r.Entries) == 0 {
		return true
	}
	return len(r.Entries) == 1 && (r.Entries[0] == "" || r.Entries[0] == "\x00")
}

// NSECRecord is only used for known-answer suppression bookkeeping:
// the next name and a type bitmap.
type NSECRecord struct {
	RecordHeader
	NextName string
	Types    []uint16
}

func (r *NSECRecord) Header() RecordHeader { return r.RecordHeader }
func (r *NSECRecord) key() recordKey       { return newRecordKey(r.Name, r.Type, r.Class) }
func (r *NSECRecord) sameValue(o Record) bool {
	other, ok := o.(*NSECRecord)
	return ok && equalDNS(other.NextName, r.NextName)
}

// recordFromRR decodes a single miekg/dns RR into our Record variant,
// attaching the receipt time. Only A/AAAA/PTR/SRV/TXT/NSEC are
// understood; anything else yields (nil, false) and is silently
// skipped by the caller (unknown record types are not a parse error,
// they simply carry no discovery-relevant information).
func recordFromRR(rr dns.RR, now time.Time) (Record, bool) {
	hdr := rr.Header()
	class := hdr.Class
	cacheFlush := class&classCacheFlushBit != 0
	class &^= classCacheFlushBit
	base := RecordHeader{
		Name:        hdr.Name,
		Class:       class,
		CacheFlush:  cacheFlush,
		ReceiptTime: now,
		TTL:         time.Duration(hdr.Ttl) * time.Second,
	}
	switch v := rr.(type) {
	case *dns.A:
		base.Type = TypeA
		return &AddressRecord{RecordHeader: base, Addr: v.A}, true
	case *dns.AAAA:
		base.Type = TypeAAAA
		return &AddressRecord{RecordHeader: base, Addr: v.AAAA}, true
	case *dns.PTR:
		base.Type = TypePTR
		return &PTRRecord{RecordHeader: base, Target: v.Ptr}, true
	case *dns.SRV:
		base.Type = TypeSRV
		return &SRVRecord{RecordHeader: base, Priority: v.Priority, Weight: v.Weight, Port: v.Port, Target: v.Target}, true
	case *dns.TXT:
		base.Type = TypeTXT
		entries := append([]string(nil), v.Txt...)
		if len(entries) == 1 && (entries[0] == "" || entries[0] == "\x00") {
			entries = nil
		}
		return &TXTRecord{RecordHeader: base, Entries: entries}, true
	case *dns.NSEC:
		base.Type = TypeNSEC
		types := make([]uint16, len(v.TypeBitMap))
		copy(types, v.TypeBitMap)
		return &NSECRecord{RecordHeader: base, NextName: v.NextDomain, Types: types}, true
	default:
		return nil, false
	}
}

// recordToRR is the inverse of recordFromRR, used when the scheduler
// builds known-answer sections.
func recordToRR(r Record) (dns.RR, error) {
	h := r.Header()
	class := h.Class
	if h.CacheFlush {
		class |= classCacheFlushBit
	}
	rrHeader := dns.RR_Header{
		Name:   dns.Fqdn(h.Name),
		Rrtype: uint16(h.Type),
		Class:  class,
		Ttl:    uint32(h.TTL / time.Second),
	}
	switch v := r.(type) {
	case *AddressRecord:
		if v.Type == TypeA {
			return &dns.A{Hdr: rrHeader, A: v.Addr}, nil
		}
		return &dns.AAAA{Hdr: rrHeader, AAAA: v.Addr}, nil
	case *PTRRecord:
		return &dns.PTR{Hdr: rrHeader, Ptr: dns.Fqdn(v.Target)}, nil
	case *SRVRecord:
		return &dns.SRV{Hdr: rrHeader, Priority: v.Priority, Weight: v.Weight, Port: v.Port, Target: dns.Fqdn(v.Target)}, nil
	case *TXTRecord:
		entries := v.Entries
		if len(entries) == 0 {
			entries = []string{""}
		}
		return &dns.TXT{Hdr: rrHeader, Txt: entries}, nil
	case *NSECRecord:
		return &dns.NSEC{Hdr: rrHeader, NextDomain: dns.Fqdn(v.NextName), TypeBitMap: v.Types}, nil
	default:
		return nil, fmt.Errorf("mdns: unsupported record type %T", r)
	}
}
