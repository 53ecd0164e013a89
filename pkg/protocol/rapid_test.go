package protocol

import (
	"testing"

	"pgregory.net/rapid"
)

// TestRapidRoundTrip checks that generated MessageCreate packets survive
// encode/decode with their type, channel and text length intact, the
// property spec section 8 calls "framing round-trip."
func TestRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		channel := rapid.Uint64Range(1, 1<<40).Draw(t, "channel")
		text := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(t, "text")

		p := MessageCreate{Channel: channel, Text: text}
		body, err := Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		mc, ok := got.(MessageCreate)
		if !ok {
			t.Fatalf("wrong type back: %T", got)
		}
		if mc.Channel != p.Channel {
			t.Fatalf("channel mismatch: %d != %d", mc.Channel, p.Channel)
		}
		if len(mc.Text) != len(p.Text) {
			t.Fatalf("text length mismatch")
		}
	})
}

func TestRapidRoleRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "name")
		pos := rapid.Uint8Range(0, 255).Draw(t, "pos")
		allow := rapid.Uint8Range(0, 255).Draw(t, "allow")
		deny := rapid.Uint8Range(0, 255).Draw(t, "deny")

		p := RoleCreate{Name: name, Pos: pos, Allow: allow, Deny: deny}
		body, err := Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		rc := got.(RoleCreate)
		if rc.Name != p.Name || rc.Pos != p.Pos || rc.Allow != p.Allow || rc.Deny != p.Deny {
			t.Fatalf("role mismatch: got %+v want %+v", rc, p)
		}
	})
}
