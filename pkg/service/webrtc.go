package service

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/fx"

	"github.com/Sharif2023/StudyNest-sub000/pkg/rtpstats"
	"github.com/Sharif2023/StudyNest-sub000/pkg/variables"
)

// NewWebRTCEngine builds the shared webrtc API every peer connection of a
// session is created from: codecs, default interceptors, plus the stats
// interceptor. With no configurator the default codecs are registered;
// otherwise the configurators own codec registration, which lets a capture
// stack populate exactly the encoders it can produce. The returned channel
// yields one stats getter per peer connection, in creation order.
func NewWebRTCEngine(configure ...func(*webrtc.MediaEngine)) (*webrtc.API, chan *rtpstats.RtpStats, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if len(configure) == 0 {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, nil, err
		}
	}
	for _, fn := range configure {
		fn(mediaEngine)
	}

	statsCh := make(chan *rtpstats.RtpStats, 8)

	interceptorRegistry := &interceptor.Registry{}
	statsInterceptor, err := stats.NewInterceptor()
	if err != nil {
		return nil, nil, err
	}
	statsInterceptor.OnNewPeerConnection(func(_ string, getter stats.Getter) {
		select {
		case statsCh <- rtpstats.NewRtpStats(getter):
		default:
		}
	})
	interceptorRegistry.Add(statsInterceptor)

	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return api, statsCh, nil
}

// ICEServers reads the comma-separated STUN_SERVERS knob.
func ICEServers() []webrtc.ICEServer {
	urls := strings.Split(variables.Env(variables.STUN_SERVERS_NAME, variables.STUN_SERVERS_DEFAULT), ",")
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

type webrtcEngine_Result struct {
	fx.Out

	API   *webrtc.API
	Stats chan *rtpstats.RtpStats
}

func webrtcEngine() (webrtcEngine_Result, error) {
	api, statsCh, err := NewWebRTCEngine()
	if err != nil {
		return webrtcEngine_Result{}, err
	}
	return webrtcEngine_Result{API: api, Stats: statsCh}, nil
}

var WebrtcModule = fx.Module("webrtc", fx.Provide(
	webrtcEngine,
))
