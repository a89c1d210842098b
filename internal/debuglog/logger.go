// Package debuglog is env-gated stderr tracing for transport hot paths,
// where a structured logger per frame would cost too much. Enable with
// MESHPAY_DEBUG=1.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

var (
	startOnce sync.Once
	queue     chan string

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("MESHPAY_DEBUG") == "1"
}

func emit(format string, args ...any) {
	startOnce.Do(func() {
		queue = make(chan string, queueSize)
		go func() {
			for msg := range queue {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
	select {
	case queue <- fmt.Sprintf(format+"\n", args...):
	default:
		// drop when saturated so network goroutines never block on tracing
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	emit(format, args...)
}

// RateLimitedf emits at most one line per key per interval. Stale keys are
// swept opportunistically so the map stays bounded.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	if now.Sub(rlLast[key]) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	emit(format, args...)
}
