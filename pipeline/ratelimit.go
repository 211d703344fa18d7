/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

package pipeline

import (
	"context"
	"sync"
	"time"
)

// A windowLimiter admits at most limit calls per fixed wall-clock window,
// matching the upstream service's request accounting. Callers blocked at an
// exhausted window are admitted together when the next window opens.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	start time.Time
	count int
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{limit: limit, window: window, now: time.Now}
}

// Wait blocks until the limiter admits one call or ctx is cancelled.
func (l *windowLimiter) Wait(ctx context.Context) error {
	if l == nil || l.limit <= 0 {
		return ctx.Err()
	}
	for {
		l.mu.Lock()
		now := l.now()
		if now.Sub(l.start) >= l.window {
			l.start = now
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.start)
		l.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
