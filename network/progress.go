package network

import (
	"time"
)

// progressMeter tracks throughput of one file so progress notifications can
// carry speed and a remaining-time estimate.
type progressMeter struct {
	startedAt time.Time
	bytes     int64
}

func newProgressMeter() *progressMeter {
	return &progressMeter{startedAt: time.Now()}
}

func (p *progressMeter) add(n int64) {
	p.bytes += n
}

// speed returns the average rate in bytes per second since the meter started.
func (p *progressMeter) speed() int64 {
	elapsed := time.Since(p.startedAt)
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(p.bytes) / elapsed.Seconds())
}

// eta estimates the seconds left for the given remaining byte count.
func (p *progressMeter) eta(remaining int64) int64 {
	if remaining <= 0 {
		return 0
	}
	rate := p.speed()
	if rate <= 0 {
		return 0
	}
	return remaining / rate
}
