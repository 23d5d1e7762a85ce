package shared

import (
	"fmt"
	"strings"
)

type NodeType uint8

const (
	FullArchive NodeType = iota
	LightStorage
	Relay
	Gateway
)

var nodeTypeNames = map[NodeType]string{
	FullArchive:  "full-archive",
	LightStorage: "light-storage",
	Relay:        "relay",
	Gateway:      "gateway",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("node-type(%d)", uint8(t))
}

func ParseNodeType(s string) (NodeType, error) {
	for t, name := range nodeTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown node type: %q", s)
}

// Decimal units, as storage capacity is advertised.
const (
	GB uint64 = 1000 * 1000 * 1000
	TB        = 1000 * GB
)

// MinStorage is the minimum committed capacity for a node type.
func (t NodeType) MinStorage() uint64 {
	switch t {
	case FullArchive:
		return 10 * TB
	case LightStorage:
		return 1 * TB
	case Relay:
		return 100 * GB
	case Gateway:
		return 500 * GB
	default:
		return 0
	}
}

// NodeInfo is what the node registry knows about a participant.
type NodeInfo struct {
	ID       NodeID
	Type     NodeType
	Stake    uint64
	Capacity uint64
	Slashed  bool
}
