package agent

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// HeartbeatTask keeps a held lease alive on a fixed interval while an
// executor runs. It starts valid and flips to invalid on the first failed
// heartbeat (a 409 rejection, any other error response, or a transport
// failure; a failed heartbeat is not retried), at which point it stops
// itself; the flip is observed by the executor via LeaseValid.
type HeartbeatTask struct {
	client     *Client
	commandID  string
	leaseID    string
	extendMs   int64
	interval   time.Duration
	leaseValid atomic.Bool
	stopCh     chan struct{}
	stopped    atomic.Bool
	done       chan struct{}
}

// StartHeartbeat begins heartbeating commandID/leaseID every intervalMs,
// requesting an extension of extendMs each time.
func StartHeartbeat(client *Client, commandID, leaseID string, intervalMs, extendMs int64) *HeartbeatTask {
	h := &HeartbeatTask{
		client:    client,
		commandID: commandID,
		leaseID:   leaseID,
		extendMs:  extendMs,
		interval:  time.Duration(intervalMs) * time.Millisecond,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.leaseValid.Store(true)
	go h.run()
	return h
}

func (h *HeartbeatTask) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			err := h.client.Heartbeat(ctx, h.commandID, h.leaseID, h.extendMs)
			cancel()
			if err != nil {
				if errors.Is(err, ErrLeaseInvalid) {
					log.Printf("heartbeat: lease %s no longer current", h.leaseID)
				} else {
					log.Printf("heartbeat: transport failure for lease %s: %v", h.leaseID, err)
				}
				h.leaseValid.Store(false)
				return
			}
		}
	}
}

// LeaseValid reports whether the lease is still believed current.
func (h *HeartbeatTask) LeaseValid() bool {
	return h.leaseValid.Load()
}

// Stop halts the heartbeat goroutine. Idempotent and safe to call from the
// main loop regardless of whether the task already stopped itself.
func (h *HeartbeatTask) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.done
}
