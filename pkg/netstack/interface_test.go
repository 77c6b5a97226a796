package netstack_test

import (
	network "net"
	"testing"

	"kernos/pkg/netstack"
)

func TestIPConversions(t *testing.T) {
	ip := network.IP{10, 1, 2, 3}

	v := netstack.IPToUint32(ip)
	if v != 0x0A010203 {
		t.Errorf("IPToUint32 = %#08x, want 0x0A010203", v)
	}
	if got := netstack.Uint32ToIP(v); !got.Equal(ip) {
		t.Errorf("Uint32ToIP = %s, want %s", got, ip)
	}

	// 16-byte representations convert through To4.
	if got := netstack.IPToUint32(network.ParseIP("10.1.2.3")); got != v {
		t.Errorf("IPToUint32(parsed) = %#08x, want %#08x", got, v)
	}
}

func TestIsBroadcastIP(t *testing.T) {
	if !netstack.IsBroadcastIP(network.IP{255, 255, 255, 255}) {
		t.Error("limited broadcast not recognized")
	}
	if netstack.IsBroadcastIP(network.IP{10, 255, 255, 255}) {
		t.Error("unicast address treated as broadcast")
	}
}
