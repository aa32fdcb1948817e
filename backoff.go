/**
 * Client library for browser-hosted real-time meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package meetings

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectBackoff computes the wait time before reconnect attempts as
// min(maxInterval, interval * factor^attempts) plus a uniformly random
// spread. The attempt counter is reset once a connection was established.
type ReconnectBackoff struct {
	interval    time.Duration
	maxInterval time.Duration
	factor      float64
	spreader    time.Duration

	attempts int
}

func NewReconnectBackoff(interval time.Duration, maxInterval time.Duration, factor float64, spreader time.Duration) (*ReconnectBackoff, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be larger than 0")
	}
	if maxInterval < interval {
		return nil, fmt.Errorf("maxInterval must be larger or equal to interval")
	}
	if factor < 1 {
		return nil, fmt.Errorf("factor must be at least 1")
	}
	if spreader < 0 {
		return nil, fmt.Errorf("spreader must not be negative")
	}

	return &ReconnectBackoff{
		interval:    interval,
		maxInterval: maxInterval,
		factor:      factor,
		spreader:    spreader,
	}, nil
}

func (b *ReconnectBackoff) Reset() {
	b.attempts = 0
}

// Seed sets the attempt counter, e.g. to suppress an instant reconnect
// after the server said goodbye.
func (b *ReconnectBackoff) Seed(attempts int) {
	b.attempts = attempts
}

func (b *ReconnectBackoff) Attempts() int {
	return b.attempts
}

// NextWait returns the wait time for the next attempt and increments the
// attempt counter.
func (b *ReconnectBackoff) NextWait() time.Duration {
	wait := time.Duration(float64(b.interval) * math.Pow(b.factor, float64(b.attempts)))
	if wait > b.maxInterval || wait <= 0 {
		wait = b.maxInterval
	}
	if b.spreader > 0 {
		wait += rand.N(b.spreader)
	}
	b.attempts++
	return wait
}
