package domain

import (
	"testing"
	"time"
)

func TestCheckpoint_BinaryRoundTripKeepsNanoseconds(t *testing.T) {
	deadline := time.Date(2026, 3, 2, 10, 4, 0, 123456789, time.UTC)
	cp := &Checkpoint{
		LotID:        "lot-1",
		Version:      3,
		Phase:        PhaseOpen,
		Round:        Round{Kind: RoundSealed, Index: 2, Restricted: []string{"s1", "s2"}},
		Deadline:     deadline,
		RandomTail:   90 * time.Second,
		LastBidSeq:   7,
		LastEventSeq: 12,
	}

	data, err := cp.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	var got Checkpoint
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if !got.Deadline.Equal(deadline) {
		t.Errorf("Deadline = %v, want %v", got.Deadline, deadline)
	}
	if got.Round.Kind != RoundSealed || len(got.Round.Restricted) != 2 {
		t.Errorf("Round = %+v", got.Round)
	}
	if got.RandomTail != cp.RandomTail || got.LastEventSeq != 12 {
		t.Errorf("got %+v", got)
	}
}

func TestCheckpoint_UnmarshalGarbage(t *testing.T) {
	var cp Checkpoint
	if err := cp.UnmarshalBinary([]byte{0xff, 0x00}); err == nil {
		t.Fatal("expected error decoding garbage")
	}
}

func TestCheckpoint_MarshalBinaryMinimal(t *testing.T) {
	data, err := (&Checkpoint{LotID: "lot-1", Phase: PhaseOpen}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected encoded bytes")
	}

	var got Checkpoint
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if got.LotID != "lot-1" || got.Phase != PhaseOpen {
		t.Errorf("got %+v", got)
	}
}
