package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avirel/stagecast/internal/core"
)

// collectStats flattens a Pion stats report into the transport counters
// the estimator consumes. Frame rate is not reported here; it belongs to
// the capture pipeline, which this adapter does not own.
func collectStats(report webrtc.StatsReport) core.TransportStats {
	out := core.TransportStats{CollectedAt: time.Now()}

	var bytesSent, packetsSent uint64
	var sawOutbound bool

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			bytesSent += st.BytesSent
			packetsSent += uint64(st.PacketsSent)
			sawOutbound = true

		case webrtc.RemoteInboundRTPStreamStats:
			// RTCP receiver reports: loss and jitter as seen by the far end.
			if st.PacketsLost >= 0 {
				lost := uint64(st.PacketsLost)
				out.PacketsLost = &lost
			}
			jitterMs := st.Jitter * 1000
			out.JitterMs = &jitterMs
			if st.RoundTripTime > 0 {
				rttMs := st.RoundTripTime * 1000
				out.RoundTripTimeMs = &rttMs
			}

		case webrtc.InboundRTPStreamStats:
			received := st.BytesReceived
			out.BytesReceived = &received

		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 && out.RoundTripTimeMs == nil {
				rttMs := st.CurrentRoundTripTime * 1000
				out.RoundTripTimeMs = &rttMs
			}
		}
	}

	if sawOutbound {
		out.BytesSent = &bytesSent
		out.PacketsSent = &packetsSent
	}
	return out
}
