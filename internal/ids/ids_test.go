package ids

import (
	"strings"
	"testing"
)

func TestNewIsValid(t *testing.T) {
	id := New()
	if len(id) != 24 {
		t.Fatalf("expected 24 chars, got %d (%s)", len(id), id)
	}
	if !Valid(id) {
		t.Errorf("freshly minted id %s is not valid", id)
	}
	if New() == id {
		t.Error("two minted ids are equal")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"ObjectID", "65a1b2c3d4e5f60718293a4b", true},
		{"Upper hex", "65A1B2C3D4E5F60718293A4B", true},
		{"Empty", "", false},
		{"Too short", "65a1b2c3", false},
		{"Not hex", "zza1b2c3d4e5f60718293a4b", false},
		{"Random client id", "k3j2h4g5f6d7s8a9", false},
		{"Too long", "65a1b2c3d4e5f60718293a4b00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.input); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	got, ok := Normalize("65A1B2C3D4E5F60718293A4B")
	if !ok || got != "65a1b2c3d4e5f60718293a4b" {
		t.Errorf("Normalize() = %q, %v", got, ok)
	}
	if _, ok := Normalize("nope"); ok {
		t.Error("Normalize accepted malformed id")
	}
}

func TestShortChatID(t *testing.T) {
	id := ShortChatID()
	if !strings.HasPrefix(id, "CH-") || len(id) != 11 {
		t.Errorf("unexpected short chat id %q", id)
	}
}
