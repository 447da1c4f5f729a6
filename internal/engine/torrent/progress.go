package torrent

import (
	"time"

	"peerstream/internal/models"
)

// sample is one observation of a torrent's transfer counters.
type sample struct {
	at        time.Time
	completed int64
	total     int64
	read      int64
	peers     int
	paused    bool
	hasInfo   bool
}

// progress is what the monitor derives from a sample.
type progress struct {
	state     models.DownloadState
	speed     int64
	remaining time.Duration
}

// sampler turns cumulative byte counters into a smoothed speed, averaging
// the last window non-zero instantaneous rates.
type sampler struct {
	window   int
	rates    []int64
	lastRead int64
	lastAt   time.Time
	lastRate int64
}

func newSampler(window int) *sampler {
	if window <= 0 {
		window = 10
	}
	return &sampler{window: window}
}

func (s *sampler) observe(smp sample) progress {
	var speed int64
	if !s.lastAt.IsZero() {
		elapsed := smp.at.Sub(s.lastAt).Seconds()
		delta := smp.read - s.lastRead
		if elapsed > 0 && delta > 0 {
			s.rates = append(s.rates, int64(float64(delta)/elapsed))
			if len(s.rates) > s.window {
				s.rates = s.rates[1:]
			}
			var sum int64
			for _, r := range s.rates {
				sum += r
			}
			speed = sum / int64(len(s.rates))
			s.lastRate = speed
		} else if delta == 0 && smp.peers > 0 {
			speed = s.lastRate
		} else {
			s.rates = s.rates[:0]
			s.lastRate = 0
		}
	}
	s.lastRead = smp.read
	s.lastAt = smp.at

	out := progress{speed: speed, state: deriveState(smp, speed)}
	if out.state == models.DownloadStateCompleted || out.state == models.DownloadStatePaused {
		out.speed = 0
		s.lastRate = 0
	}
	if out.speed > 0 && smp.total > smp.completed {
		seconds := float64(smp.total-smp.completed) / float64(out.speed)
		out.remaining = time.Duration(seconds * float64(time.Second)).Round(time.Second)
	}
	return out
}

func deriveState(smp sample, speed int64) models.DownloadState {
	switch {
	case smp.hasInfo && smp.total > 0 && smp.completed >= smp.total:
		return models.DownloadStateCompleted
	case smp.paused:
		return models.DownloadStatePaused
	case smp.hasInfo && (smp.peers > 0 || speed > 0):
		return models.DownloadStateDownloading
	default:
		return models.DownloadStateConnecting
	}
}

// span is the byte length of one piece-aligned region of a file and whether
// it has been verified.
type span struct {
	bytes    int64
	complete bool
}

// contiguousBytes counts verified bytes from the start of the file up to the
// first incomplete region.
func contiguousBytes(spans []span) int64 {
	var n int64
	for _, sp := range spans {
		if !sp.complete {
			break
		}
		n += sp.bytes
	}
	return n
}
