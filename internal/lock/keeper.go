package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// KeeperLogger is the slice of the logging package the keeper needs.
type KeeperLogger interface {
	Warn(msg string, args ...any)
}

// Keeper extends a held lease in the background while a long operation runs.
// Extension fires at 80% of the TTL. An extension failure does not abort the
// operation; it is logged, counted, and exposed via Lost so the holder knows
// it may no longer be exclusive.
type Keeper struct {
	mgr  Manager
	l    *Lock
	log  KeeperLogger
	lost atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewKeeper starts the extension loop for l. Stop must be called on every
// exit path of the guarded operation.
func NewKeeper(mgr Manager, l *Lock, log KeeperLogger) *Keeper {
	k := &Keeper{
		mgr:    mgr,
		l:      l,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *Keeper) run() {
	defer close(k.doneCh)
	interval := k.l.TTL * 8 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), k.l.TTL/4)
			err := k.mgr.Extend(ctx, k.l, k.l.TTL)
			cancel()
			if err != nil {
				k.lost.Store(true)
				if k.log != nil {
					k.log.Warn("lock extension failed, finishing without exclusivity",
						"key", k.l.Key, "error", err.Error())
				}
				return
			}
		}
	}
}

// Lost reports whether an extension attempt failed since the keeper started.
func (k *Keeper) Lost() bool {
	return k.lost.Load()
}

// Stop ends the extension loop and waits for it to exit.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	<-k.doneCh
}
