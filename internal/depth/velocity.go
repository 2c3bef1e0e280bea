package depth

import "time"

const DefaultVelocityWindow = 15 * time.Second

// VelocityTracker is a trailing-window sum of traded size across all prices.
// Each trade stamps the sum onto its price; stamps never decay on their own.
type VelocityTracker struct {
	window time.Duration
	queue  []Trade
	head   int
	sum    int64
	stamps map[int32]int64
}

func NewVelocityTracker(window time.Duration) *VelocityTracker {
	if window <= 0 {
		window = DefaultVelocityWindow
	}
	return &VelocityTracker{
		window: window,
		stamps: make(map[int32]int64),
	}
}

// Record adds t to the window, prunes, and returns the sum stamped at t.Price.
func (v *VelocityTracker) Record(t Trade) int64 {
	v.queue = append(v.queue, t)
	v.sum += int64(t.Size)
	v.Prune(t.Time)
	v.stamps[t.Price] = v.sum
	return v.sum
}

// Prune drops trades older than the window relative to now.
func (v *VelocityTracker) Prune(now time.Time) {
	for v.head < len(v.queue) {
		oldest := v.queue[v.head]
		if now.Sub(oldest.Time) <= v.window {
			break
		}
		v.queue[v.head] = Trade{}
		v.head++
		v.sum -= int64(oldest.Size)
	}
	if v.sum < 0 {
		v.sum = 0
	}
	v.compact()
}

func (v *VelocityTracker) compact() {
	if v.head == len(v.queue) {
		v.queue = v.queue[:0]
		v.head = 0
		return
	}
	if v.head > 64 && v.head*2 > len(v.queue) {
		n := copy(v.queue, v.queue[v.head:])
		v.queue = v.queue[:n]
		v.head = 0
	}
}

func (v *VelocityTracker) Volume() int64 { return v.sum }

func (v *VelocityTracker) Len() int { return len(v.queue) - v.head }

func (v *VelocityTracker) Stamp(price int32) (int64, bool) {
	s, ok := v.stamps[price]
	return s, ok
}

func (v *VelocityTracker) SetWindow(w time.Duration) {
	if w > 0 {
		v.window = w
	}
}

func (v *VelocityTracker) copyStamps() map[int32]int64 {
	out := make(map[int32]int64, len(v.stamps))
	for p, s := range v.stamps {
		out[p] = s
	}
	return out
}
