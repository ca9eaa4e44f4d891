package model

import (
	"fmt"
	"strings"
)

// Kind is the closed set of storage source kinds.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindContainer
	KindVehicle
	KindDrone
	KindWorkstation
	KindCollector
)

// AllKinds lists every concrete kind in default removal priority order.
var AllKinds = []Kind{KindWorkstation, KindContainer, KindVehicle, KindDrone, KindCollector}

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindVehicle:
		return "vehicle"
	case KindDrone:
		return "drone"
	case KindWorkstation:
		return "workstation"
	case KindCollector:
		return "collector"
	default:
		return "unknown"
	}
}

func (k Kind) Mobile() bool    { return k == KindVehicle || k == KindDrone }
func (k Kind) Synthetic() bool { return k == KindWorkstation || k == KindCollector }

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "container", "containers":
		return KindContainer, nil
	case "vehicle", "vehicles":
		return KindVehicle, nil
	case "drone", "drones":
		return KindDrone, nil
	case "workstation", "workstations":
		return KindWorkstation, nil
	case "collector", "collectors":
		return KindCollector, nil
	}
	return KindUnknown, fmt.Errorf("unknown source kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
