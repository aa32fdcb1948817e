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
	"slices"

	"github.com/strukturag/meetings-client/api"
)

// GroupCoordinator reconciles the peer table to the member set of a group
// call. It owns the group-level peer record whose hash / state are used
// when the server addresses the group as a whole. All methods run on the
// engine executor.
type GroupCoordinator struct {
	id      string
	channel string
	members []string
	record  *PeerRecord

	manager *WebRTCManager
}

func newGroupCoordinator(id string, record *PeerRecord, manager *WebRTCManager) *GroupCoordinator {
	return &GroupCoordinator{
		id:      id,
		record:  record,
		manager: manager,
	}
}

// Members returns the last member set received from the server.
func (g *GroupCoordinator) Members() []string {
	return slices.Clone(g.members)
}

// handleGroupData processes group membership data delivered through a
// "webrtc_channel" envelope.
func (g *GroupCoordinator) handleGroupData(msg *api.Envelope, data *api.GroupData) {
	if data.Group != g.id {
		return
	}
	m := g.manager

	if msg.Channel != "" {
		g.channel = msg.Channel
	}
	if msg.Hash != "" {
		g.record.hash = msg.Hash
	}

	members := slices.Clone(data.Members)
	slices.Sort(members)

	if data.Reset {
		// Start from scratch, then build the mesh back up.
		if err := m.doMesh(nil, g.record); err != nil {
			m.log.Printf("Could not reset mesh of group %s: %s", g.id, err)
		}
	}
	g.members = members

	if err := m.doMesh(members, g.record); err != nil {
		m.log.Printf("Could not mesh group %s: %s", g.id, err)
	}
}
