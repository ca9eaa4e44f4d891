package model

import "testing"

func TestKeyDistinguishesKindAtSamePosition(t *testing.T) {
	p := Vec3i{X: 4, Y: 1, Z: -7}
	a := FixedKey(KindContainer, p)
	b := FixedKey(KindWorkstation, p)
	if a == b {
		t.Fatalf("keys of different kinds collided: %v", a)
	}
	seen := map[Key]int{a: 1, b: 2}
	if len(seen) != 2 {
		t.Fatalf("expected two distinct map entries, got %d", len(seen))
	}
}

func TestInRange(t *testing.T) {
	o := Vec3i{}
	if !InRange(o, Vec3i{X: 3, Y: 4}, 5) {
		t.Fatalf("distance 5 should be in range 5")
	}
	if InRange(o, Vec3i{X: 3, Y: 4, Z: 1}, 5) {
		t.Fatalf("distance > 5 should be out of range")
	}
	if !InRange(o, Vec3i{X: 1 << 20}, 0) {
		t.Fatalf("range 0 is unbounded")
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("barrel"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestKeyString(t *testing.T) {
	if got := FixedKey(KindContainer, Vec3i{X: 1, Y: 2, Z: 3}).String(); got != "container@1,2,3" {
		t.Fatalf("unexpected key string %q", got)
	}
	if got := MobileKey(KindDrone, 9).String(); got != "drone#9" {
		t.Fatalf("unexpected key string %q", got)
	}
}
