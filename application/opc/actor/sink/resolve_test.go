package sink

import (
	"context"
	"net/netip"
	"testing"

	"pixel-control/application/util/domain"
	"pixel-control/transport/tcp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAddr(t *testing.T) {
	lookuper := domain.NewMapLookuper(map[string][]netip.Addr{
		"localhost": {netip.MustParseAddr("127.0.0.1")},
		"leds":      {netip.MustParseAddr("192.168.1.20")},
		"dual":      {netip.MustParseAddr("fd00::20"), netip.MustParseAddr("10.0.0.20")},
		"v6only":    {netip.MustParseAddr("fd00::30")},
	})

	testcases := []struct {
		input    string
		expected tcp.Addr
	}{
		{input: "localhost", expected: tcp.NewAddr(netip.MustParseAddr("127.0.0.1"), 7890)},
		{input: "", expected: tcp.NewAddr(netip.MustParseAddr("127.0.0.1"), 7890)},
		{input: ":7891", expected: tcp.NewAddr(netip.MustParseAddr("127.0.0.1"), 7891)},
		{input: "leds:1234", expected: tcp.NewAddr(netip.MustParseAddr("192.168.1.20"), 1234)},
		{input: "leds:0", expected: tcp.NewAddr(netip.MustParseAddr("192.168.1.20"), 7890)},
		{input: "leds:", expected: tcp.NewAddr(netip.MustParseAddr("192.168.1.20"), 7890)},
		{input: "dual", expected: tcp.NewAddr(netip.MustParseAddr("10.0.0.20"), 7890)},
		{input: "v6only:80", expected: tcp.NewAddr(netip.MustParseAddr("fd00::30"), 80)},
		{input: "10.1.2.3:99", expected: tcp.NewAddr(netip.MustParseAddr("10.1.2.3"), 99)},
		{input: "::1", expected: tcp.NewAddr(netip.MustParseAddr("::1"), 7890)},
		{input: "[::1]", expected: tcp.NewAddr(netip.MustParseAddr("::1"), 7890)},
		{input: "[::1]:99", expected: tcp.NewAddr(netip.MustParseAddr("::1"), 99)},
	}

	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ResolveAddr(context.Background(), lookuper, tc.input, 7890)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestResolveAddrFails(t *testing.T) {
	lookuper := domain.NewMapLookuper(map[string][]netip.Addr{
		"leds": {netip.MustParseAddr("192.168.1.20")},
	})

	_, err := ResolveAddr(context.Background(), lookuper, "nonexistent.invalid", 7890)
	assert.ErrorIs(t, err, domain.ErrDomainNotFound)

	for _, input := range []string{"leds:abc", "leds:70000", "[::1:99"} {
		_, err := ResolveAddr(context.Background(), lookuper, input, 7890)
		assert.Error(t, err, input)
	}
}
