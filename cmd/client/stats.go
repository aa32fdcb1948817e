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
package main

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Stats struct {
	log *zap.Logger

	numEvents   atomic.Int64
	numCalls    atomic.Int64
	numHangups  atomic.Int64
	numErrors   atomic.Int64
	resetEvents int64

	start time.Time
}

func (s *Stats) reset(start time.Time) {
	s.resetEvents = s.numEvents.Load()
	s.start = start
}

func (s *Stats) Log(latency time.Duration, channel string) {
	now := time.Now()
	duration := now.Sub(s.start)
	perSec := int64(duration / time.Second)
	if perSec == 0 {
		return
	}

	totalEvents := s.numEvents.Load()
	events := totalEvents - s.resetEvents
	s.log.Info("Stats updated",
		zap.Int64("events", totalEvents),
		zap.Int64("eventspeed", events/perSec),
		zap.Int64("calls", s.numCalls.Load()),
		zap.Int64("hangups", s.numHangups.Load()),
		zap.Int64("errors", s.numErrors.Load()),
		zap.Duration("latency", latency),
		zap.String("channel", channel),
	)
	s.reset(now)
}
