package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	uatomic "go.uber.org/atomic"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/Sharif2023/StudyNest-sub000/pkg/media"
	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
	"github.com/Sharif2023/StudyNest-sub000/pkg/service"
	"github.com/Sharif2023/StudyNest-sub000/pkg/session"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8090", "signaling server base URL")
		room      = flag.String("room", "", "room id to join")
		name      = flag.String("name", "", "display name")
		mic       = flag.Bool("mic", true, "start with the microphone on")
		cam       = flag.Bool("cam", true, "start with the camera on")
	)
	flag.Parse()
	if *room == "" {
		fmt.Fprintln(os.Stderr, "-room is required")
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	capturer, err := media.NewDeviceCapturer()
	if err != nil {
		logger.Error("capture setup failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	api, statsCh, err := service.NewWebRTCEngine(capturer.PopulateEngine)
	if err != nil {
		logger.Error("webrtc setup failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	cfg := session.DefaultConfig()
	cfg.ServerURL = *serverURL
	cfg.Room = *room
	cfg.DisplayName = *name
	cfg.EnableMic = *mic
	cfg.EnableCam = *cam
	cfg.ICEServers = service.ICEServers()

	sess := session.NewSession(session.NewSessionParams{
		Config:   cfg,
		Logger:   logger,
		API:      api,
		Capturer: capturer,
		Stats:    statsCh,
	})

	showStats := new(uatomic.Bool)

	sess.OnChat(func(msg session.ChatMessage) {
		if msg.Self {
			return
		}
		fmt.Printf("[%s] %s: %s\n", msg.SentAt.Format("15:04:05"), msg.Author, msg.Text)
	})
	sess.OnParticipants(func(ps []session.Participant) {
		entries := make([]string, 0, len(ps))
		for _, p := range ps {
			entries = append(entries, describe(p))
		}
		fmt.Printf("participants: %s\n", strings.Join(entries, ", "))
	})
	sess.OnStreams(func(streams []session.Stream) {
		entries := make([]string, 0, len(streams))
		for _, st := range streams {
			entries = append(entries, fmt.Sprintf("%s/%s", st.Name, st.Kind))
		}
		fmt.Printf("streams: %s\n", strings.Join(entries, ", "))
	})
	sess.OnStats(func(stats map[protocol.PeerID]session.LinkStats) {
		if !showStats.Load() {
			return
		}
		for id, ls := range stats {
			fmt.Printf("stats %s: %s packets=%d bytes=%d lost=%d jitter=%.4f\n",
				id, ls.State, ls.PacketsReceived, ls.BytesReceived, ls.PacketsLost, ls.Jitter)
		}
	})
	sess.OnWarn(func(err error) {
		fmt.Printf("warning: %v\n", err)
	})

	done := make(chan struct{})
	var doneOnce sync.Once
	sess.OnState(func(st session.SessionState) {
		fmt.Printf("session: %s\n", st)
		if st == session.StateDisconnected {
			doneOnce.Do(func() { close(done) })
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		logger.Error("connect failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	fmt.Printf("joined %s as %s\n", sess.Room(), sess.ID())

	go repl(sess, showStats)

	select {
	case <-ctx.Done():
	case <-done:
	}
	sess.Disconnect()
}

func describe(p session.Participant) string {
	var marks []string
	if p.MicOn {
		marks = append(marks, "mic")
	}
	if p.CamOn {
		marks = append(marks, "cam")
	}
	if p.SharingScreen {
		marks = append(marks, "screen")
	}
	if p.HandRaised {
		marks = append(marks, "hand")
	}
	label := p.Name
	if p.Self {
		label += "*"
	}
	if len(marks) == 0 {
		return fmt.Sprintf("%s[%s]", label, p.State)
	}
	return fmt.Sprintf("%s[%s %s]", label, p.State, strings.Join(marks, "+"))
}

// repl turns stdin lines into session commands; anything that is not a
// slash command goes out as chat.
func repl(sess *session.Session, showStats *uatomic.Bool) {
	var handRaised bool
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/mic on":
			sess.SetMic(true)
		case line == "/mic off":
			sess.SetMic(false)
		case line == "/cam on":
			sess.SetCam(true)
		case line == "/cam off":
			sess.SetCam(false)
		case line == "/share":
			sess.StartShare()
		case line == "/unshare":
			sess.StopShare()
		case line == "/hand":
			handRaised = !handRaised
			sess.ToggleHand(handRaised)
		case line == "/stats":
			fmt.Printf("stats reporting: %v\n", showStats.Toggle() == false)
		case line == "/quit":
			sess.Disconnect()
			return
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /mic on|off, /cam on|off, /share, /unshare, /hand, /stats, /quit")
		default:
			if err := sess.SendChat(line); err != nil {
				fmt.Printf("chat failed: %v\n", err)
				return
			}
		}
	}
}
