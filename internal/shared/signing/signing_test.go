package signing

import (
	"crypto/rand"
	"testing"
)

type testEnvelope struct {
	EventType string `json:"event_type"`
	EntityID  string `json:"entity_id"`
	Sequence  int64  `json:"sequence"`
}

func TestSignAndVerify(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)
	env := testEnvelope{EventType: "flowchart:run:started", EntityID: "run-1", Sequence: 1}
	sig, err := s.Sign("idem-1", env)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("idem-1", env, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestRejectsTampered(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)
	env := testEnvelope{EventType: "flowchart:node:succeeded", EntityID: "n1"}
	sig, _ := s.Sign("idem-2", env)
	tampered := testEnvelope{EventType: "flowchart:node:failed", EntityID: "n1"}
	if err := s.Verify("idem-2", tampered, sig); err == nil {
		t.Fatal("should reject tampered payload")
	}
}

func TestRejectsWrongIdempotencyKey(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)
	env := testEnvelope{EventType: "flowchart:run:succeeded", EntityID: "run-3"}
	sig, _ := s.Sign("idem-3", env)
	if err := s.Verify("idem-999", env, sig); err == nil {
		t.Fatal("should reject wrong idempotency key")
	}
}

func TestRejectsWrongKey(t *testing.T) {
	k1 := make([]byte, 32)
	k2 := make([]byte, 32)
	rand.Read(k1)
	rand.Read(k2)
	s1, s2 := NewSigner(k1), NewSigner(k2)
	env := testEnvelope{EventType: "flowchart:run:started", EntityID: "run-4"}
	sig, _ := s1.Sign("idem-4", env)
	if err := s2.Verify("idem-4", env, sig); err == nil {
		t.Fatal("should reject wrong key")
	}
}

func TestDeriveStreamKey(t *testing.T) {
	master := make([]byte, 32)
	rand.Read(master)
	k1 := DeriveStreamKey(master, "run:run-1")
	k2 := DeriveStreamKey(master, "run:run-2")
	k1a := DeriveStreamKey(master, "run:run-1")
	if string(k1) == string(k2) {
		t.Fatal("different streams should give different keys")
	}
	if string(k1) != string(k1a) {
		t.Fatal("same stream should give same key")
	}
	if len(k1) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k1))
	}
}

func TestSignDeterministic(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)
	env := testEnvelope{EventType: "flowchart:run:started", EntityID: "run-6"}
	s1, _ := s.Sign("idem-6", env)
	s2, _ := s.Sign("idem-6", env)
	if s1 != s2 {
		t.Fatal("same input should produce same signature")
	}
}

func TestNilPayload(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)
	sig, err := s.Sign("idem-7", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("idem-7", nil, sig); err != nil {
		t.Fatalf("nil verify failed: %v", err)
	}
}
