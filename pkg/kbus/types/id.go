package types

import "fmt"

// MessageId identifies a message, total-ordered lexicographically by
// (NetworkID, Serial). The zero value (0,0) is the sentinel
// "unassigned/synthetic" id of spec §3.
type MessageId struct {
	NetworkID uint32
	Serial    uint32
}

// Unset reports whether this is the (0,0) sentinel.
func (id MessageId) Unset() bool {
	return id.NetworkID == 0 && id.Serial == 0
}

// Less implements the total order required for the conservation and
// ordering invariants of §8: first by network id, then by serial.
func (id MessageId) Less(other MessageId) bool {
	if id.NetworkID != other.NetworkID {
		return id.NetworkID < other.NetworkID
	}
	return id.Serial < other.Serial
}

func (id MessageId) String() string {
	return fmt.Sprintf("(%d,%d)", id.NetworkID, id.Serial)
}

// OrigFrom names the original sender of a message across a bridge:
// (network id, local endpoint id on that network).
type OrigFrom struct {
	NetworkID uint32
	LocalID   uint32
}

func (o OrigFrom) Unset() bool {
	return o.NetworkID == 0 && o.LocalID == 0
}

func (o OrigFrom) String() string {
	return fmt.Sprintf("(%d,%d)", o.NetworkID, o.LocalID)
}

// FinalTo names the Replier a stateful Request demands, across a
// bridge: (network id, local endpoint id).
type FinalTo = OrigFrom

// EndpointID is the unique-per-device, positive, monotonically
// assigned endpoint identifier of spec §3.
type EndpointID uint32
