package adapter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const minPollTimeout = 100 * time.Millisecond

// PollFunc performs one poll cycle.
type PollFunc func(ctx context.Context) error

type PollStatus struct {
	Polls               uint64    `json:"polls"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastPoll            time.Time `json:"last_poll"`
	LastError           string    `json:"last_error,omitempty"`
	Running             bool      `json:"running"`
}

// Poller runs a PollFunc immediately and then once per interval until stopped.
type Poller struct {
	name     string
	interval time.Duration
	poll     PollFunc
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	status   PollStatus
}

func NewPoller(name string, interval time.Duration, poll PollFunc, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		name:     name,
		interval: interval,
		poll:     poll,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start startet das zyklische Polling
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.interval <= 0 {
		return
	}

	p.running = true
	p.status.Running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Debug("Poller started",
		zap.String("poller", p.name),
		zap.Duration("interval", p.interval))
}

// Stop stoppt das Polling. A stopped poller cannot be restarted.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.status.Running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.logger.Debug("Poller stopped", zap.String("poller", p.name))
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Poller) pollOnce() {
	timeout := max(p.interval/2, minPollTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// abort an in-flight poll on Stop
	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := p.poll(ctx)

	p.mu.Lock()
	p.status.Polls++
	p.status.LastPoll = time.Now()
	if err != nil {
		p.status.Failures++
		p.status.ConsecutiveFailures++
		p.status.LastError = err.Error()
	} else {
		p.status.ConsecutiveFailures = 0
		p.status.LastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("Poll failed", zap.String("poller", p.name), zap.Error(err))
	}
}

// IsRunning gibt an ob Poller läuft
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
