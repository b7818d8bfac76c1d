package wgcrypto

import (
	"testing"
	"time"
)

func TestTimestampAfterComparesSecondsFirst(t *testing.T) {
	earlier := stamp(time.Unix(1000, 500))
	later := stamp(time.Unix(1001, 100))
	if !later.After(earlier) {
		t.Fatal("later second = After(earlier) false, want true even though nanoseconds are smaller")
	}
	if earlier.After(later) {
		t.Fatal("earlier.After(later) = true, want false")
	}
}

func TestTimestampAfterComparesNanosecondsWithinSameSecond(t *testing.T) {
	earlier := stamp(time.Unix(1000, 100))
	later := stamp(time.Unix(1000, 200))
	if !later.After(earlier) {
		t.Fatal("later nanosecond within same second = After(earlier) false, want true")
	}
}

func TestTimestampAfterRejectsEqual(t *testing.T) {
	a := stamp(time.Unix(1000, 100))
	b := stamp(time.Unix(1000, 100))
	if a.After(b) {
		t.Fatal("equal timestamps: After() = true, want false (strictly greater required)")
	}
}

func TestTimestampAfterRejectsZeroAgainstAnyReal(t *testing.T) {
	var zero Timestamp
	real := stamp(time.Unix(1000, 0))
	if !real.After(zero) {
		t.Fatal("real timestamp.After(zero value) = false, want true")
	}
	if zero.After(real) {
		t.Fatal("zero value.After(real timestamp) = true, want false")
	}
}
