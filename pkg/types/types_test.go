package types

import (
	"net/netip"
	"strings"
	"testing"
)

func TestContentIDRoundTrip(t *testing.T) {
	id := ContentIDOf([]byte("hello file-yeet"))

	s := id.String()
	if len(s) != 64 {
		t.Fatalf("String() length = %d, want 64", len(s))
	}
	if s != strings.ToLower(s) {
		t.Error("String() must be lowercase hex")
	}

	parsed, err := ParseContentID(s)
	if err != nil {
		t.Fatalf("ParseContentID() error = %v", err)
	}
	if !parsed.Equal(id) {
		t.Error("parsed ContentID differs from original")
	}
	t.Log("✅ ContentID 十六进制往返")
}

func TestParseContentIDInvalid(t *testing.T) {
	cases := []string{
		"",
		"abc",
		strings.Repeat("g", 64),
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
	}
	for _, c := range cases {
		if _, err := ParseContentID(c); err == nil {
			t.Errorf("ParseContentID(%q) expected error", c)
		}
	}
	t.Log("✅ 非法 ContentID 被拒绝")
}

func TestContentIDFromBytes(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 0xFF
	id, err := ContentIDFromBytes(raw)
	if err != nil {
		t.Fatalf("ContentIDFromBytes() error = %v", err)
	}
	if id[0] != 0xFF {
		t.Error("bytes not copied")
	}

	if _, err := ContentIDFromBytes(raw[:31]); err == nil {
		t.Error("expected error for short input")
	}
	t.Log("✅ 字节构造与长度检查")
}

func TestContentIDShortString(t *testing.T) {
	id := ContentIDOf([]byte("x"))
	if got := id.ShortString(); len(got) != 8 {
		t.Errorf("ShortString() = %q, want 8 chars", got)
	}
	if EmptyContentID.String() != "" {
		t.Error("empty ContentID must render empty")
	}
	t.Log("✅ 简短标识")
}

func TestPeerAddress(t *testing.T) {
	local := netip.MustParseAddrPort("10.0.0.5:40000")
	external := netip.MustParseAddrPort("203.0.113.9:40000")

	pa := PeerAddress{Local: local}
	if pa.HasExternal() {
		t.Error("HasExternal() = true for unset external")
	}
	if pa.String() != local.String() {
		t.Errorf("String() = %q", pa.String())
	}

	pa.External = external
	if !pa.HasExternal() {
		t.Error("HasExternal() = false with external set")
	}
	if !strings.Contains(pa.String(), external.String()) {
		t.Errorf("String() = %q, want external included", pa.String())
	}

	if !pa.Equal(PeerAddress{Local: local, External: external}) {
		t.Error("Equal() = false for identical pairs")
	}
	if pa.Equal(PeerAddress{Local: local}) {
		t.Error("Equal() = true for differing pairs")
	}
	t.Log("✅ 地址对")
}
