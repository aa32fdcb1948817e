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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	statsTransportMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "The total number of sent messages",
	}, []string{"type"})
	statsTransportMessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "The total number of received messages",
	}, []string{"type"})
	statsTransportConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "connects_total",
		Help:      "The total number of established connections",
	})
	statsTransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "reconnects_total",
		Help:      "The total number of scheduled reconnects",
	})
	statsTransportReconnectsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "reconnects_failed_total",
		Help:      "The total number of failed connection attempts",
	})
	statsTransportTurnRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "turn_refreshes_total",
		Help:      "The total number of successful TURN credential refreshes",
	})
	statsTransportState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "state",
		Help:      "The current connection state",
	})
	statsTransportRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meetings",
		Subsystem: "transport",
		Name:      "rtt",
		Help:      "The roundtrip time of heartbeat messages in milliseconds",
		Buckets:   prometheus.ExponentialBucketsRange(1, 30000, 50),
	})

	transportStats = []prometheus.Collector{
		statsTransportMessagesSent,
		statsTransportMessagesReceived,
		statsTransportConnects,
		statsTransportReconnects,
		statsTransportReconnectsFailed,
		statsTransportTurnRefreshes,
		statsTransportState,
		statsTransportRTT,
	}
)

func RegisterTransportStats() {
	registerAll(transportStats...)
}
