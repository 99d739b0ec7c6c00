package mesh

import "testing"

func TestChannelID_Deterministic(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	a := ChannelID(ChannelPublic, key)
	b := ChannelID(ChannelPublic, key)
	if a != b {
		t.Fatalf("Expected identical ids, got %s and %s", a, b)
	}

	if p := ChannelID(ChannelPrivate, key); p == a {
		t.Errorf("Expected public and private ids to differ for the same key, got %s", p)
	}

	other := append([]byte(nil), key...)
	other[0] = 99
	if c := ChannelID(ChannelPrivate, other); c == ChannelID(ChannelPrivate, key) {
		t.Errorf("Expected different keys to give different ids, got %s", c)
	}
}

func TestChannel_CloneDoesNotShareKey(t *testing.T) {
	ch := Channel{ID: "x", Key: []byte{1, 2, 3}}
	cp := ch.Clone()
	cp.Key[0] = 42
	if ch.Key[0] != 1 {
		t.Errorf("Expected original key unchanged, got %v", ch.Key)
	}
}

func TestParseNodeID(t *testing.T) {
	pub := make([]byte, PublicKeySize)
	pub[0] = 0xab
	id := NodeIDFromKey(pub)

	got, err := ParseNodeID(id)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got[0] != 0xab {
		t.Errorf("Expected first byte 0xab, got %x", got[0])
	}

	if _, err := ParseNodeID("zz"); err == nil {
		t.Error("Expected error for non-hex node id")
	}
	if _, err := ParseNodeID("abcd"); err == nil {
		t.Error("Expected error for short node id")
	}
}
