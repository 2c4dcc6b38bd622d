package mdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpperASCII(t *testing.T) {
	require.Equal(t, "FOO.BAR", upperASCII("foo.bar"))
	require.Equal(t, "FOO.BAR.", upperASCII("FOO.bar."))
	require.Equal(t, "", upperASCII(""))
}

func TestEqualDNS(t *testing.T) {
	require.True(t, equalDNS("_http._tcp.local.", "_HTTP._TCP.local"))
	require.False(t, equalDNS("_http._tcp.local.", "_ftp._tcp.local."))
}

func TestHasSuffixDNS(t *testing.T) {
	require.True(t, hasSuffixDNS("my-printer._http._tcp.local.", "_http._tcp.local."))
	require.False(t, hasSuffixDNS("short.", "_http._tcp.local."))
}

func TestIsSubtypeOf(t *testing.T) {
	sub, ok := isSubtypeOf("_printer._sub._http._tcp.local.", "_http._tcp.local.")
	require.True(t, ok)
	require.Equal(t, "_printer", sub)

	sub, ok = isSubtypeOf("_http._tcp.local.", "_http._tcp.local.")
	require.True(t, ok)
	require.Equal(t, "", sub)

	_, ok = isSubtypeOf("_ftp._tcp.local.", "_http._tcp.local.")
	require.False(t, ok)
}

func TestSubtypeInstanceName(t *testing.T) {
	require.Equal(t, "_printer._sub._http._tcp.local.", subtypeInstanceName("_printer", "_http._tcp.local."))
}
