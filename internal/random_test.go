package internal

import "testing"

func TestSessionIDRoundTrip(t *testing.T) {
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}

	s := sid.String()
	if len(s) != 22 {
		t.Fatalf("expected 22-char encoding, got %d (%q)", len(s), s)
	}

	parsed, err := ParseSessionID(s)
	if err != nil {
		t.Fatalf("ParseSessionID: %v", err)
	}
	if parsed != sid {
		t.Fatal("parsed id differs from original")
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := make(map[SessionID]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		sid, err := NewSessionID()
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[sid]; dup {
			t.Fatalf("duplicate id after %d draws", i)
		}
		seen[sid] = struct{}{}
	}
}

func TestParseSessionIDRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "not base64!", "AAAA"} {
		if _, err := ParseSessionID(in); err == nil {
			t.Errorf("ParseSessionID(%q): expected error", in)
		}
	}
}
