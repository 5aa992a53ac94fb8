// Package logical defines the logical-time model: tags, the (time,
// microstep) pairs that totally order every observable effect in a run.
//
// A tag's time component is a signed 64-bit nanosecond instant. The
// microstep distinguishes zero-duration substeps at the same instant:
// scheduling with a zero delay produces a new tag at the same time with
// the microstep incremented. Microsteps reset to zero whenever time
// strictly advances.
//
// Tags are immutable values, compared and copied by value. NEVER use
// wall-clock timestamps for ordering; all ordering decisions go through
// Tag comparison.
package logical

import (
	"fmt"
	"math"
	"time"
)

// Time is a logical time instant in nanoseconds.
type Time = int64

// Microstep counts zero-duration substeps within one time instant.
type Microstep = uint32

// Tag is the unit of logical time: a time instant plus a microstep.
// The zero value is the start-of-execution tag (0, 0).
type Tag struct {
	Time      Time
	Microstep Microstep
}

// Sentinel tags. Never sorts before every real tag, Forever after.
var (
	Never   = Tag{Time: math.MinInt64}
	Forever = Tag{Time: math.MaxInt64, Microstep: math.MaxUint32}
)

// Compare returns -1, 0, or +1 as a sorts before, equal to, or after b.
// Time is compared first, then microstep.
func Compare(a, b Tag) int {
	switch {
	case a.Time < b.Time:
		return -1
	case a.Time > b.Time:
		return 1
	case a.Microstep < b.Microstep:
		return -1
	case a.Microstep > b.Microstep:
		return 1
	default:
		return 0
	}
}

// Before reports whether a sorts strictly before b.
func (a Tag) Before(b Tag) bool { return Compare(a, b) < 0 }

// After reports whether a sorts strictly after b.
func (a Tag) After(b Tag) bool { return Compare(a, b) > 0 }

// AtOrBefore reports whether a sorts at or before b.
func (a Tag) AtOrBefore(b Tag) bool { return Compare(a, b) <= 0 }

// Min returns the earlier of a and b.
func Min(a, b Tag) Tag {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max returns the later of a and b.
func Max(a, b Tag) Tag {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Delay returns the tag at which an event scheduled from a with the
// given delay becomes due. A zero delay yields the same time with the
// microstep incremented (a superdense step); a positive delay yields
// (time+d, 0). Additions saturate at Forever rather than wrapping.
func (a Tag) Delay(d time.Duration) Tag {
	if a == Forever || a == Never {
		return a
	}
	if d == 0 {
		if a.Microstep == math.MaxUint32 {
			return Forever
		}
		return Tag{Time: a.Time, Microstep: a.Microstep + 1}
	}
	t := a.Time + int64(d)
	if t < a.Time { // overflow
		return Forever
	}
	return Tag{Time: t, Microstep: 0}
}

// Next returns the immediately following tag in the total order.
func (a Tag) Next() Tag { return a.Delay(0) }

// String renders a tag for logs, e.g. "(100ms, 2)".
func (a Tag) String() string {
	switch a {
	case Never:
		return "(never)"
	case Forever:
		return "(forever)"
	}
	return fmt.Sprintf("(%v, %d)", time.Duration(a.Time), a.Microstep)
}
