// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	agentlog "github.com/agentflow-run/agentflow/internal/log"
	"github.com/agentflow-run/agentflow/pkg/agentflow/backend"
	"github.com/agentflow-run/agentflow/pkg/agentflow/ids"
)

// LockExtender wraps one held backend.Lock with a ticker that periodically
// extends it, and a guaranteed release on Close. A runner processing a
// long task acquires a lock for the work item up front, lets the ticker
// keep it alive while the task runs, and releases it with a deferred
// Close in the caller.
type LockExtender struct {
	be       backend.LockStore
	key      ids.LockKey
	duration time.Duration
	logger   *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	released bool
}

// AcquireLock attempts to acquire key for duration and, if successful,
// starts a background ticker that extends it every extendInterval until
// Close is called. ok is false if the lock is already held by another
// owner (an expired lock is reclaimable, per backend.LockStore's
// contract); callers should treat a false ok as "another runner owns this
// work item right now" rather than an error.
func AcquireLock(ctx context.Context, be backend.LockStore, key ids.LockKey, duration, extendInterval time.Duration, meta map[string]any, logger *slog.Logger) (*LockExtender, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ok, err := be.AcquireLock(ctx, key, duration, meta)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	l := &LockExtender{
		be:       be,
		key:      key,
		duration: duration,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.extendLoop(extendInterval)
	return l, true, nil
}

func (l *LockExtender) extendLoop(interval time.Duration) {
	defer l.wg.Done()
	if interval <= 0 {
		interval = l.duration / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ok, err := l.be.ExtendLock(context.Background(), l.key, l.duration)
			if err != nil {
				l.logger.Error("lock extend failed", agentlog.Error(err), agentlog.String("lock_key", string(l.key)))
				continue
			}
			if !ok {
				l.logger.Warn("lock extend found lock no longer owned", agentlog.String("lock_key", string(l.key)))
				return
			}
		}
	}
}

// Close stops the extend ticker and releases the lock. Safe to call more
// than once.
func (l *LockExtender) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	close(l.stop)
	l.wg.Wait()
	_, err := l.be.ReleaseLock(ctx, l.key)
	return err
}
