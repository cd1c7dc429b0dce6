package domain

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Checkpoint is the durable snapshot of a lot's state machine, written at
// every phase or round transition. Bids and events after LastBidSeq and
// LastEventSeq are recovered by replaying the logs.
type Checkpoint struct {
	LotID        string        `cbor:"1,keyasint"`
	Version      uint64        `cbor:"2,keyasint"`
	Phase        Phase         `cbor:"3,keyasint"`
	Round        Round         `cbor:"4,keyasint"`
	StartedAt    time.Time     `cbor:"5,keyasint,omitempty"`
	Deadline     time.Time     `cbor:"6,keyasint,omitempty"`
	RandomTail   time.Duration `cbor:"7,keyasint,omitempty"`
	RestartUsed  bool          `cbor:"8,keyasint,omitempty"`
	WinnerBidID  string        `cbor:"9,keyasint,omitempty"`
	ClosedReason string        `cbor:"10,keyasint,omitempty"`
	ForceClosed  bool          `cbor:"11,keyasint,omitempty"`
	ClosedAt     time.Time     `cbor:"12,keyasint,omitempty"`
	LastBidSeq   uint64        `cbor:"13,keyasint"`
	LastEventSeq uint64        `cbor:"14,keyasint"`
	SavedAt      time.Time     `cbor:"15,keyasint"`
}

// checkpointWire has no methods, so the codec does not call back into
// MarshalBinary or UnmarshalBinary.
type checkpointWire Checkpoint

var checkpointEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// MarshalBinary encodes the checkpoint as CBOR.
func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	data, err := checkpointEncMode.Marshal((*checkpointWire)(c))
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// UnmarshalBinary decodes a CBOR checkpoint.
func (c *Checkpoint) UnmarshalBinary(data []byte) error {
	if err := cbor.Unmarshal(data, (*checkpointWire)(c)); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	return nil
}
