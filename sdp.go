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
	"github.com/pion/sdp/v3"
)

// BandwidthLimits are per-kind upper bounds in kilobits per second. A zero
// value leaves the respective media sections untouched.
type BandwidthLimits struct {
	Audio uint64
	Video uint64
}

// BandwidthSDPTransform returns a transform that stamps "b=AS" bandwidth
// lines into the media sections of a session description. Descriptions
// that fail to parse are passed through unchanged.
func BandwidthSDPTransform(limits BandwidthLimits) SDPTransform {
	return func(raw string) string {
		var description sdp.SessionDescription
		if err := description.Unmarshal([]byte(raw)); err != nil {
			return raw
		}

		changed := false
		for _, media := range description.MediaDescriptions {
			var limit uint64
			switch media.MediaName.Media {
			case "audio":
				limit = limits.Audio
			case "video":
				limit = limits.Video
			}
			if limit == 0 {
				continue
			}
			media.Bandwidth = setBandwidth(media.Bandwidth, limit)
			changed = true
		}
		if !changed {
			return raw
		}

		result, err := description.Marshal()
		if err != nil {
			return raw
		}
		return string(result)
	}
}

func setBandwidth(bandwidth []sdp.Bandwidth, limit uint64) []sdp.Bandwidth {
	for i := range bandwidth {
		if bandwidth[i].Type == "AS" && !bandwidth[i].Experimental {
			bandwidth[i].Bandwidth = limit
			return bandwidth
		}
	}
	return append(bandwidth, sdp.Bandwidth{
		Type:      "AS",
		Bandwidth: limit,
	})
}

// ChainSDPTransforms combines transforms into one, applied in order.
func ChainSDPTransforms(transforms ...SDPTransform) SDPTransform {
	return func(raw string) string {
		for _, transform := range transforms {
			if transform == nil {
				continue
			}
			raw = transform(raw)
		}
		return raw
	}
}
