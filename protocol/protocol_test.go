package protocol

import (
	"testing"
	"time"
)

type statusPayload struct {
	State      string `json:"state"`
	PowerLevel uint16 `json:"power_level"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	src := Address{Role: RoleDevice, Node: "a4:cf:12:00:0b:7e"}

	env, err := NewEnvelope(TypeDeviceStatus, src, &statusPayload{State: "up", PowerLevel: 3100})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Version != Version {
		t.Errorf("version = %d, want %d", env.Version, Version)
	}
	if env.ID == "" {
		t.Error("ID should not be empty")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeDeviceStatus {
		t.Errorf("decoded type = %q, want %q", decoded.Type, TypeDeviceStatus)
	}
	if decoded.Src != src {
		t.Errorf("src = %+v, want %+v", decoded.Src, src)
	}

	if !decoded.ExpiresAt.Equal(decoded.Timestamp.Add(30 * time.Second)) {
		t.Errorf("expiry = %v, want ts+30s", decoded.ExpiresAt)
	}

	var p statusPayload
	if err := decoded.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.State != "up" || p.PowerLevel != 3100 {
		t.Errorf("payload = %+v", p)
	}
}

func TestDefaultTTLFor(t *testing.T) {
	if got := DefaultTTLFor(TypeDeviceStatus); got != 30*time.Second {
		t.Errorf("status ttl = %v", got)
	}
	if got := DefaultTTLFor("unknown"); got != FallbackTTL {
		t.Errorf("fallback ttl = %v", got)
	}
}

func TestIsExpired(t *testing.T) {
	env := &Envelope{}
	if IsExpired(env) {
		t.Error("zero expiry never expires")
	}
	env.ExpiresAt = time.Now().UTC().Add(-time.Second)
	if !IsExpired(env) {
		t.Error("past expiry should be expired")
	}
}
