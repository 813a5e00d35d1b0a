package upload

import (
	"sync"
	"time"
)

const (
	ewmaAlpha = 0.3
	// BytesPerWorker is the throughput one extra worker is worth.
	BytesPerWorker = 256 << 10
	SampleInterval = time.Second

	fastStartLow         = 2 << 20
	fastStartLowWorkers  = 4
	fastStartHigh        = 8 << 20
	fastStartHighWorkers = 6

	// SmallFileSize and SmallFileShare define a batch of mostly small files.
	SmallFileSize  = 256 << 10
	SmallFileShare = 0.75
	SmallFileFloor = 4

	hysteresis = 2
)

// Controller turns observed upload throughput into a worker count.
type Controller struct {
	mu sync.Mutex

	max     int
	floor   int
	current int

	ewma        float64
	sampled     bool
	lastSample  time.Time
	bytesSince  int64
	fastStarted bool

	candidate     int
	candidateSeen int
}

// NewController starts at floor (or 1). floor is raised to SmallFileFloor
// by callers uploading mostly small files.
func NewController(maxWorkers, floor int, now time.Time) *Controller {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	floor = min(maxWorkers, floor)
	if floor < 1 {
		floor = 1
	}
	return &Controller{max: maxWorkers, floor: floor, current: floor, lastSample: now}
}

// SmallFileFloorFor returns SmallFileFloor when at least SmallFileShare of
// sizes are at most SmallFileSize, else 1.
func SmallFileFloorFor(sizes []int64) int {
	if len(sizes) == 0 {
		return 1
	}
	small := 0
	for _, s := range sizes {
		if s <= SmallFileSize {
			small++
		}
	}
	if float64(small) >= SmallFileShare*float64(len(sizes)) {
		return SmallFileFloor
	}
	return 1
}

// Add records n uploaded bytes.
func (c *Controller) Add(n int64) {
	c.mu.Lock()
	c.bytesSince += n
	c.mu.Unlock()
}

func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sample folds the throughput since the previous sample into the average
// and returns the (possibly new) worker count. Calls closer than
// SampleInterval to the previous sample do nothing.
func (c *Controller) Sample(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dt := now.Sub(c.lastSample)
	if dt < SampleInterval {
		return c.current
	}
	rate := float64(c.bytesSince) / dt.Seconds()
	c.bytesSince = 0
	c.lastSample = now

	if c.sampled {
		c.ewma = ewmaAlpha*rate + (1-ewmaAlpha)*c.ewma
	} else {
		c.ewma = rate
		c.sampled = true
	}

	if !c.fastStarted {
		fast := 0
		switch {
		case rate >= fastStartHigh:
			fast = fastStartHighWorkers
		case rate >= fastStartLow:
			fast = fastStartLowWorkers
		}
		if fast > 0 {
			c.fastStarted = true
			if fast = c.bound(fast); fast > c.current {
				c.current = fast
				c.candidateSeen = 0
				return c.current
			}
		}
	}

	target := c.bound(int(c.ewma / BytesPerWorker))
	if target == c.current {
		c.candidateSeen = 0
		return c.current
	}
	if target == c.candidate {
		c.candidateSeen++
	} else {
		c.candidate = target
		c.candidateSeen = 1
	}
	if c.candidateSeen >= hysteresis {
		c.current = target
		c.candidateSeen = 0
	}
	return c.current
}

func (c *Controller) bound(n int) int {
	if n < c.floor {
		n = c.floor
	}
	if n > c.max {
		n = c.max
	}
	return n
}
