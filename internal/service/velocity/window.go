package velocity

import (
	"math"
	"sort"
	"time"
)

// WindowStart is the inclusive lower bound of [now-window, now].
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// InWindow reports whether at falls inside the closed window ending at now.
func InWindow(at, now time.Time, window time.Duration) bool {
	return !at.Before(WindowStart(now, window)) && !at.After(now)
}

// countBetween counts sorted timestamps within [from, to].
func countBetween(times []time.Time, from, to time.Time) int {
	lo := sort.Search(len(times), func(i int) bool { return !times[i].Before(from) })
	hi := sort.Search(len(times), func(i int) bool { return times[i].After(to) })
	if hi < lo {
		return 0
	}
	return hi - lo
}

// insertSorted keeps times ascending when events arrive out of order.
func insertSorted(times []time.Time, at time.Time) []time.Time {
	i := sort.Search(len(times), func(i int) bool { return times[i].After(at) })
	times = append(times, time.Time{})
	copy(times[i+1:], times[i:])
	times[i] = at
	return times
}

// dropBefore removes sorted timestamps strictly older than cutoff.
func dropBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(times), func(i int) bool { return !times[i].Before(cutoff) })
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

// ScaleThreshold applies an endgame multiplier, rounding down. The result
// never drops below the unscaled threshold.
func ScaleThreshold(threshold int, multiplier float64) int {
	if multiplier <= 1 {
		return threshold
	}
	scaled := int(math.Floor(float64(threshold) * multiplier))
	if scaled < threshold {
		return threshold
	}
	return scaled
}
