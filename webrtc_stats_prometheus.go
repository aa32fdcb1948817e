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
	statsWebRTCCallsPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "calls_placed_total",
		Help:      "The total number of placed calls",
	})
	statsWebRTCCallsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "calls_accepted_total",
		Help:      "The total number of accepted incoming calls",
	})
	statsWebRTCCallsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "calls_rejected_total",
		Help:      "The total number of rejected incoming calls",
	})
	statsWebRTCPeersCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "peers",
		Help:      "The current number of peer records",
	})
	statsWebRTCPeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "peers_connected",
		Help:      "The current number of connected peers",
	})
	statsWebRTCPeerConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "peer_connections_total",
		Help:      "The total number of created peer connections",
	})
	statsWebRTCPeerRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "peer_recoveries_total",
		Help:      "The total number of peer connection recoveries",
	})
	statsWebRTCP2PStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetings",
		Subsystem: "webrtc",
		Name:      "p2p_streams",
		Help:      "The current number of announced peer to peer streams",
	})

	webrtcStats = []prometheus.Collector{
		statsWebRTCCallsPlaced,
		statsWebRTCCallsAccepted,
		statsWebRTCCallsRejected,
		statsWebRTCPeersCurrent,
		statsWebRTCPeersConnected,
		statsWebRTCPeerConnections,
		statsWebRTCPeerRecoveries,
		statsWebRTCP2PStreams,
	}
)

func RegisterWebRTCStats() {
	registerAll(webrtcStats...)
}
