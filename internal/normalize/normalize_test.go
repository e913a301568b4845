package normalize

import "testing"

func TestUsername(t *testing.T) {
	in := "  John.DOE  "
	want := "john.doe"
	got := Username(in)
	if got != want {
		t.Fatalf("Username(%q) = %q, want %q", in, got, want)
	}
}

func TestValidUsername(t *testing.T) {
	for _, ok := range []string{"bob", "alice_01", "a.b-c"} {
		if !ValidUsername(ok) {
			t.Fatalf("ValidUsername(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "ab", "has space", "UPPER", "emoji😀x", "waytoolongusernamethatkeepsgoingon"} {
		if ValidUsername(bad) {
			t.Fatalf("ValidUsername(%q) = true, want false", bad)
		}
	}
}
