package core

import (
	"fmt"
	"sort"
)

// SequenceValidator enforces per-partition source ordering. Account
// commands must arrive gap-free; oracle prices may skip sequences but never
// go backwards.
// Not thread-safe: only the processor goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	gaps            map[string]int64
	outOfOrder      map[string]int64
	stalePrices     map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
		stalePrices:     make(map[string]int64),
	}
}

// ValidateSequence accepts exactly the next sequence of a partition. A
// lower sequence is only accepted for a known duplicate, which the caller
// then drops.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		sv.outOfOrder[partition]++
		return fmt.Errorf("%w: out-of-order command: partition=%s, expected=%d, got=%d",
			ErrSequence, partition, expected, sourceSequence)
	default:
		sv.gaps[partition]++
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// ValidatePriceSequence reports whether a price with priceSequence from
// source should be applied. Gaps are tolerated; stale prices are ignored.
func (sv *SequenceValidator) ValidatePriceSequence(partition string, priceSequence int64) bool {
	expected := sv.expectedNextSeq[partition]
	if priceSequence < expected {
		sv.stalePrices[partition]++
		return false
	}
	if priceSequence > expected {
		sv.gaps[partition]++
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the expected sequence during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns every partition's expected sequence, sorted by
// partition, for snapshotting.
func (sv *SequenceValidator) GetAllPartitions() []PartitionSequence {
	out := make([]PartitionSequence, 0, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out = append(out, PartitionSequence{Partition: p, NextSequence: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Gaps returns how many gaps were seen on partition.
func (sv *SequenceValidator) Gaps(partition string) int64 { return sv.gaps[partition] }

// OutOfOrder returns how many stale non-duplicate commands were rejected.
func (sv *SequenceValidator) OutOfOrder(partition string) int64 { return sv.outOfOrder[partition] }

// StalePrices returns how many prices were ignored as stale.
func (sv *SequenceValidator) StalePrices(partition string) int64 { return sv.stalePrices[partition] }

// PartitionSequence is one partition's position in its source stream.
type PartitionSequence struct {
	Partition    string `msgpack:"p" json:"partition"`
	NextSequence int64  `msgpack:"n" json:"next_sequence"`
}
