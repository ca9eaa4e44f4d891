package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeLock(t *testing.T) {
	raw, _ := json.Marshal(NewLock([3]int{1, -2, 3}, 1700000000123, "alice"))
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lock, ok := m.(*LockMsg)
	if !ok {
		t.Fatalf("got %T", m)
	}
	if lock.Type != TypeLock || lock.Pos != [3]int{1, -2, 3} || lock.OriginTS != 1700000000123 {
		t.Fatalf("unexpected lock: %+v", lock)
	}

	raw, _ = json.Marshal(NewUnlock([3]int{0, 0, 0}, 5, ""))
	m, err = Decode(raw)
	if err != nil {
		t.Fatalf("decode unlock: %v", err)
	}
	if m.(*LockMsg).Type != TypeUnlock {
		t.Fatalf("expected UNLOCK")
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"unknown type":  `{"type":"MOVE","protocol_version":"1.0"}`,
		"short pos":     `{"type":"LOCK","protocol_version":"1.0","pos":[1,2],"origin_ts":1}`,
		"float pos":     `{"type":"LOCK","protocol_version":"1.0","pos":[1,2,3.5],"origin_ts":1}`,
		"negative ts":   `{"type":"UNLOCK","protocol_version":"1.0","pos":[1,2,3],"origin_ts":-1}`,
		"missing actor": `{"type":"HELLO","protocol_version":"1.0"}`,
		"bad code":      `{"type":"ERROR","protocol_version":"1.0","code":"oops","message":"x"}`,
		"negative age":  `{"type":"WELCOME","protocol_version":"1.0","session_id":"s","lock_expiry_ms":0,"locks":[{"pos":[1,2,3],"origin_ts":1,"age_ms":-5}]}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrBadMessage) {
			t.Fatalf("%s: expected ErrBadMessage, got %v", name, err)
		}
	}
}

func TestOutboundMessagesValidate(t *testing.T) {
	msgs := []any{
		WelcomeMsg{Type: TypeWelcome, ProtocolVersion: Version, SessionID: "s1", LockExpiryMs: 300000,
			Locks: []LockRef{{Pos: [3]int{1, 2, 3}, OriginTS: 9, AgeMs: 1500}}},
		AckMsg{Type: TypeAck, ProtocolVersion: Version, AckFor: "m1", Accepted: false, Code: ErrStale},
		NewError(ErrProtoBadRequest, "bad"),
		HelloMsg{Type: TypeHello, ProtocolVersion: Version, ActorID: "bob", Snapshot: true},
	}
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		base, _ := DecodeBase(raw)
		if err := Validate(base.Type, raw); err != nil {
			t.Fatalf("%s: %v", base.Type, err)
		}
	}
}
