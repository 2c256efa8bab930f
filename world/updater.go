package world

import (
	"sync"
	"time"

	"github.com/lcx/worldcore/db"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
)

const metricsGroup = "world"

// Updater is the world tick. It polls the query callbacks issued outside
// of sockets and runs the queued session packets.
type Updater struct {
	interval time.Duration
	sessions *SessionManager

	mu      sync.Mutex
	staged  []db.Invoker
	queries db.AsyncCallbackProcessor[db.Invoker]

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewUpdater(interval time.Duration, sessions *SessionManager) *Updater {
	if interval <= 0 {
		interval = defaultUpdateInterval
	}
	return &Updater{
		interval: interval,
		sessions: sessions,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddQueryCallback polls cb from the next tick on. Safe from any goroutine.
func (u *Updater) AddQueryCallback(cb db.Invoker) {
	u.mu.Lock()
	u.staged = append(u.staged, cb)
	u.mu.Unlock()
}

// Update runs one tick.
func (u *Updater) Update() {
	start := time.Now()

	u.mu.Lock()
	staged := u.staged
	u.staged = nil
	u.mu.Unlock()
	for _, cb := range staged {
		u.queries.AddCallback(cb)
	}

	u.queries.ProcessReadyCallbacks()
	if u.sessions != nil {
		u.sessions.Update()
	}

	metrics.ObserveSince(metricsGroup, "tick_seconds", start)
	metrics.UpdateGaugeWithGroup(metricsGroup, "pending_queries", metrics.Value(u.queries.Len()))
}

// Start runs Update every interval on its own goroutine.
func (u *Updater) Start() {
	u.startOnce.Do(func() {
		go u.run()
	})
}

func (u *Updater) run() {
	defer close(u.done)
	log.Category("world").Info().Dur("interval", u.interval).Msg("world updater started")

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stop:
			log.Category("world").Info().Msg("world updater stopped")
			return
		case <-ticker.C:
			u.Update()
		}
	}
}

// Stop ends the tick loop and waits for the running tick.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() {
		close(u.stop)
	})
	u.startOnce.Do(func() {
		close(u.done)
	})
	<-u.done
}
