package throttler

import "time"

// bandwidthWindow is how many seconds of history feed the reported
// bytes-per-second figure.
const bandwidthWindow = 60

// BandwidthCalculator keeps a per-second histogram of the last minute of
// observed bytes and reports their average. Not safe for concurrent use;
// each throttler direction owns one.
type BandwidthCalculator struct {
	history       []int64
	current       int64
	currentSecond int64
	now           func() time.Time
}

// NewBandwidthCalculator returns a calculator with an empty history.
func NewBandwidthCalculator() *BandwidthCalculator {
	return &BandwidthCalculator{now: time.Now}
}

// Add records count bytes against the current second.
func (b *BandwidthCalculator) Add(count int64) {
	second := b.now().Unix()
	if second > b.currentSecond {
		if b.currentSecond != 0 {
			b.history = append(b.history, b.current)
			// seconds with no traffic at all
			gap := second - b.currentSecond - 1
			if gap > bandwidthWindow {
				gap = bandwidthWindow
			}
			for i := int64(0); i < gap; i++ {
				b.history = append(b.history, 0)
			}
			if len(b.history) > bandwidthWindow-1 {
				b.history = b.history[len(b.history)-(bandwidthWindow-1):]
			}
		}
		b.currentSecond = second
		b.current = 0
	}
	b.current += count
}

// Get reports the average bytes-per-second over the window.
func (b *BandwidthCalculator) Get() int64 {
	var sum int64
	for _, v := range b.history {
		sum += v
	}
	return (sum + b.current) / bandwidthWindow
}
