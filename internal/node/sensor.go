package node

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

type Reading struct {
	Temperature float64
	Humidity    float64
}

// Sensor returns reading and validity, like a DHT11 driver does.
type Sensor interface {
	Read(ctx context.Context) (Reading, bool)
}

// Simulated is bounded random walk sensor for running node without hardware.
type Simulated struct {
	sync.Mutex
	r     *rand.Rand
	last  Reading
	drift float64
	// every n-th Read fails, 0 = never
	FailEvery int
	reads     int
}

// NewSimulated starts walk at initial, seed=0 means time based.
func NewSimulated(initial Reading, drift float64, seed int64) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	if drift <= 0 {
		drift = 0.5
	}
	return &Simulated{r: r, last: initial, drift: drift}
}

func (s *Simulated) Read(ctx context.Context) (Reading, bool) {
	s.Lock()
	defer s.Unlock()
	s.reads++
	if s.FailEvery > 0 && s.reads%s.FailEvery == 0 {
		return Reading{}, false
	}
	s.last.Temperature = walk(s.r, s.last.Temperature, s.drift, -20, 70)
	s.last.Humidity = walk(s.r, s.last.Humidity, s.drift*2, 0, 100)
	return s.last, true
}

func walk(r *rand.Rand, x, drift, min, max float64) float64 {
	x += (r.Float64()*2 - 1) * drift
	x = math.Max(min, math.Min(max, x))
	return math.Round(x*100) / 100
}
