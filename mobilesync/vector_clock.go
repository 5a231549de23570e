// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mobilesync

// VectorClock maps a device identifier to a monotonically increasing counter.
// A device increments only its own counter on each local change. Clocks are
// exchanged as immutable snapshots attached to changes, so no locking is
// needed here; callers must Clone before mutating a shared instance.
type VectorClock map[string]int64

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	OrderBefore Ordering = iota // receiver happens-before other
	OrderAfter                  // other happens-before receiver
	OrderEqual
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	case OrderEqual:
		return "equal"
	default:
		return "concurrent"
	}
}

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the counter for the given device.
func (vc VectorClock) Increment(deviceID string) {
	vc[deviceID]++
}

// Get returns the counter for a device (zero when absent).
func (vc VectorClock) Get(deviceID string) int64 {
	return vc[deviceID]
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for k, v := range vc {
		clone[k] = v
	}
	return clone
}

// Merge folds another clock into this one, taking the component-wise max.
func (vc VectorClock) Merge(other VectorClock) {
	for device, counter := range other {
		if counter > vc[device] {
			vc[device] = counter
		}
	}
}

// Compare determines the causal ordering between two clocks. Exactly one of
// {before, after, equal, concurrent} holds for any pair.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false

	seen := make(map[string]struct{}, len(vc)+len(other))
	for device := range vc {
		seen[device] = struct{}{}
	}
	for device := range other {
		seen[device] = struct{}{}
	}

	for device := range seen {
		a, b := vc[device], other[device]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}

	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderBefore
	case greater:
		return OrderAfter
	default:
		return OrderEqual
	}
}

// HappensBefore reports whether every component of vc is <= the corresponding
// component of other, with at least one strictly smaller.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	return vc.Compare(other) == OrderBefore
}

// ConcurrentWith reports whether neither clock happens-before the other.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return vc.Compare(other) == OrderConcurrent
}
