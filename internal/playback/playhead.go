package playback

import (
	"sync"
	"time"
)

// Playhead advances the position in real time while playback runs.
type Playhead struct {
	interval time.Duration
	now      func() time.Time
	post     func(time.Duration)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPlayhead reports the position to post every interval.
func NewPlayhead(interval time.Duration, post func(time.Duration)) *Playhead {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Playhead{interval: interval, now: time.Now, post: post}
}

// Start begins advancing from pos. A running playhead is restarted.
func (p *Playhead) Start(pos time.Duration) {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	stop, done := make(chan struct{}), make(chan struct{})
	p.stop, p.done = stop, done

	go func() {
		defer close(done)
		began := p.now()
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				p.post(pos + p.now().Sub(began))
			}
		}
	}()
}

// Stop halts the playhead and waits for its goroutine.
func (p *Playhead) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
