package mdns

import "strings"

// upperASCII uppercases only ASCII a-z; bytes >= 0x80 are left
// untouched, matching the DNS case-insensitivity rule of RFC 1035
// §4.1.4 ("to_upper" property).
func upperASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}

// equalDNS compares two names the way mDNS responders and queriers
// must: ASCII-fold only, non-ASCII bytes compared by identity.
func equalDNS(a, b string) bool {
	a = strings.TrimSuffix(a, ".")
	b = strings.TrimSuffix(b, ".")
	if len(a) != len(b) {
		return false
	}
	return upperASCII(a) == upperASCII(b)
}

func hasSuffixDNS(name, suffix string) bool {
	name = strings.TrimSuffix(name, ".")
	suffix = strings.TrimSuffix(suffix, ".")
	if len(suffix) > len(name) {
		return false
	}
	return upperASCII(name[len(name)-len(suffix):]) == upperASCII(suffix)
}

// isSubtypeOf reports whether owner is a subtype-qualified form of
// serviceType per RFC 6763 §7.1: "<sub>._sub.<type>". Equality also
// counts as a match, since a tracked type's own PTR carries no
// "_sub" qualifier.
func isSubtypeOf(owner, serviceType string) (subtype string, ok bool) {
	if equalDNS(owner, serviceType) {
		return "", true
	}
	const subLabel = "._sub."
	idx := indexDNS(owner, subLabel+trimTrailingDot(serviceType))
	if idx < 0 {
		return "", false
	}
	// The match must land exactly at the suffix boundary, i.e. owner
	// is "<sub>._sub.<type>" with nothing trailing the type.
	ownerTrim := trimTrailingDot(owner)
	wantSuffix := subLabel + trimTrailingDot(serviceType)
	if !strings.HasSuffix(upperASCII(ownerTrim), upperASCII(wantSuffix)) {
		return "", false
	}
	sub := ownerTrim[:len(ownerTrim)-len(wantSuffix)]
	if sub == "" {
		return "", false
	}
	return sub, true
}

func indexDNS(haystack, needle string) int {
	h := upperASCII(haystack)
	n := upperASCII(needle)
	return strings.Index(h, n)
}

func trimTrailingDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

// subtypeInstanceName builds the "<sub>._sub.<type>" owner name used
// on the wire for subtype PTR questions/answers (RFC 6763 §7.1).
func subtypeInstanceName(subtype, serviceType string) string {
	return subtype + "._sub." + trimTrailingDot(serviceType) + "."
}
