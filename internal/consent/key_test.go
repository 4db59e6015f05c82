package consent

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey("chat-42")
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveKey("chat-42")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.material, b.material) {
		t.Fatal("both endpoints must derive the same key from the session id")
	}

	other, err := DeriveKey("chat-43")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.material, other.material) {
		t.Fatal("different sessions derived the same key")
	}

	if _, err := DeriveKey(""); err == nil {
		t.Fatal("empty session id accepted")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := DeriveKey("chat-42")
	if err != nil {
		t.Fatal(err)
	}

	type payload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	in := payload{Type: "offer", SDP: "v=0\r\no=- 0 0 IN IP4 0.0.0.0"}

	sealed, err := k.Seal(in)
	if err != nil {
		t.Fatal(err)
	}

	// The twin key on the other endpoint can open it.
	twin, _ := DeriveKey("chat-42")
	var out payload
	if err := twin.Open(sealed, &out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if out != in {
		t.Fatalf("round trip got %+v, want %+v", out, in)
	}
}

func TestOpenRejectsTamperedAndForeign(t *testing.T) {
	k, _ := DeriveKey("chat-42")
	sealed, err := k.Seal(map[string]string{"type": "offer"})
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	var out map[string]string
	if err := k.Open(tampered, &out); err == nil {
		t.Fatal("tampered ciphertext opened")
	}

	foreign, _ := DeriveKey("chat-43")
	if err := foreign.Open(sealed, &out); err == nil {
		t.Fatal("foreign key opened another session's payload")
	}

	if err := k.Open([]byte("short"), &out); err == nil {
		t.Fatal("truncated sealed data opened")
	}
}

func TestDestroyIsTerminalAndIdempotent(t *testing.T) {
	k, _ := DeriveKey("chat-42")
	k.Destroy()
	k.Destroy()

	if !k.Destroyed() {
		t.Fatal("key not marked destroyed")
	}
	if _, err := k.Seal("x"); !errors.Is(err, ErrKeyDestroyed) {
		t.Fatalf("Seal after destroy: %v, want ErrKeyDestroyed", err)
	}
	if err := k.Open([]byte("xxxx"), nil); !errors.Is(err, ErrKeyDestroyed) {
		t.Fatalf("Open after destroy: %v, want ErrKeyDestroyed", err)
	}
}
