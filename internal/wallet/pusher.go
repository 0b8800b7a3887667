package wallet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portline/internal/domain"
)

const defaultPushTimeout = 5 * time.Second

// Pusher delivers snapshots to a RemoteStore on a background goroutine. Only
// the newest queued snapshot is delivered; older ones are superseded.
type Pusher struct {
	Remote  RemoteStore
	Timeout time.Duration
	Log     *zap.Logger

	mu      sync.Mutex
	pending *domain.WalletSnapshot
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPusher(remote RemoteStore, log *zap.Logger) *Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pusher{Remote: remote, Timeout: defaultPushTimeout, Log: log}
}

// Start launches the delivery loop. Calling Start twice is a no-op.
func (p *Pusher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	if p.wake == nil {
		p.wake = make(chan struct{}, 1)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop delivers anything still queued, then ends the loop.
func (p *Pusher) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Enqueue schedules w for delivery and returns immediately.
func (p *Pusher) Enqueue(w domain.WalletSnapshot) {
	p.mu.Lock()
	p.pending = &w
	if p.wake == nil {
		p.wake = make(chan struct{}, 1)
	}
	wake := p.wake
	p.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

// Push delivers w synchronously, bounded by the pusher timeout.
func (p *Pusher) Push(ctx context.Context, w domain.WalletSnapshot) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Remote.Push(ctx, w)
}

func (p *Pusher) take() *domain.WalletSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.pending
	p.pending = nil
	return w
}

func (p *Pusher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-p.wake:
			p.deliver(context.Background())
		case <-ctx.Done():
			p.deliver(context.Background())
			return
		}
	}
}

func (p *Pusher) deliver(ctx context.Context) {
	w := p.take()
	if w == nil {
		return
	}
	if err := p.Push(ctx, *w); err != nil {
		p.Log.Warn("wallet push failed", zap.String("remote", p.Remote.Name()), zap.Error(err))
		return
	}
	p.Log.Debug("wallet pushed", zap.String("remote", p.Remote.Name()),
		zap.Float64("available_balance", w.AvailableBalance), zap.Float64("total_earned", w.TotalEarned))
}
