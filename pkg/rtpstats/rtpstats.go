package rtpstats

import (
	"github.com/pion/interceptor/pkg/stats"
)

// RtpStats wraps the interceptor stats getter handed out per peer
// connection. The session stats reporter reads inbound stream stats from it
// keyed by SSRC.
type RtpStats struct {
	getter stats.Getter
}

func (rStat *RtpStats) GetGetter() stats.Getter {
	return rStat.getter
}

func NewRtpStats(getter stats.Getter) *RtpStats {
	return &RtpStats{getter}
}
