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
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 123456 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:1000\r\n" +
	"a=mid:1\r\n"

func parseSDPForTest(t *testing.T, raw string) *sdp.SessionDescription {
	t.Helper()
	var description sdp.SessionDescription
	require.NoError(t, description.Unmarshal([]byte(raw)))
	return &description
}

func TestBandwidthSDPTransform(t *testing.T) {
	t.Parallel()
	transform := BandwidthSDPTransform(BandwidthLimits{
		Audio: 64,
		Video: 512,
	})

	description := parseSDPForTest(t, transform(testSDP))
	require.Len(t, description.MediaDescriptions, 2)

	audio := description.MediaDescriptions[0]
	require.Len(t, audio.Bandwidth, 1)
	assert.Equal(t, "AS", audio.Bandwidth[0].Type)
	assert.EqualValues(t, 64, audio.Bandwidth[0].Bandwidth)

	// The existing video limit is replaced, not duplicated.
	video := description.MediaDescriptions[1]
	require.Len(t, video.Bandwidth, 1)
	assert.EqualValues(t, 512, video.Bandwidth[0].Bandwidth)
}

func TestBandwidthSDPTransformZeroLimits(t *testing.T) {
	t.Parallel()
	transform := BandwidthSDPTransform(BandwidthLimits{})
	assert.Equal(t, testSDP, transform(testSDP))
}

func TestBandwidthSDPTransformPassthrough(t *testing.T) {
	t.Parallel()
	transform := BandwidthSDPTransform(BandwidthLimits{Video: 512})
	assert.Equal(t, "not a description", transform("not a description"))
}

func TestChainSDPTransforms(t *testing.T) {
	t.Parallel()
	first := func(raw string) string {
		return raw + "a"
	}
	second := func(raw string) string {
		return raw + "b"
	}
	chained := ChainSDPTransforms(first, nil, second)
	assert.Equal(t, "xab", chained("x"))
}
