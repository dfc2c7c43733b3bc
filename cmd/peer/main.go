// Command peer is a headless call endpoint: it joins the signaling hub,
// places or answers calls with the local microphone and camera, and can
// record the remote side to disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/rtcall/internal/adapters/media"
	"github.com/dkeye/rtcall/internal/adapters/rtc"
	sig "github.com/dkeye/rtcall/internal/adapters/signal"
	"github.com/dkeye/rtcall/internal/app/call"
	"github.com/dkeye/rtcall/internal/app/devices"
	"github.com/dkeye/rtcall/internal/config"
	"github.com/dkeye/rtcall/internal/domain"
)

var (
	configFile   = flag.String("config", config.FileForEnv(), "Config file")
	hubURL       = flag.String("hub", "", "Hub websocket URL (overrides config)")
	participant  = flag.String("id", "", "Participant id (overrides config)")
	displayName  = flag.String("name", "", "Display name")
	callPeer     = flag.String("call", "", "Participant to call")
	withVideo    = flag.Bool("video", false, "Place the call with video")
	autoAccept   = flag.Bool("accept", true, "Answer incoming calls")
	upgradeAfter = flag.Duration("upgrade-after", 0, "Turn an audio call into video after this long")
	hangupAfter  = flag.Duration("hangup-after", 0, "End each call after this long")
	recordDir    = flag.String("record", "", "Write received media into this directory")
	listPeers    = flag.Bool("list", false, "List hub participants and exit")
	listDevices  = flag.Bool("devices", false, "List local devices and exit")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.NewLoader(*configFile).Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	applyFlags(cfg)

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("peer stopped")
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *hubURL != "" {
		cfg.Peer.Hub = *hubURL
	}
	if *participant != "" {
		cfg.Peer.Participant = *participant
	}
	if *displayName != "" {
		cfg.Peer.DisplayName = *displayName
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	codecs, err := newCodecSelector()
	if err != nil {
		return fmt.Errorf("codec selector: %w", err)
	}

	registry := devices.NewRegistry(media.NewSource(), cfg.Devices.Debounce)
	if *listDevices {
		list, err := registry.Enumerate()
		if err != nil {
			return err
		}
		for _, d := range list {
			fmt.Printf("%-13s %-40s %s default=%t\n", d.Kind, d.DeviceID, d.Label, d.IsDefault)
		}
		return nil
	}

	client, err := sig.Dial(ctx, sig.ClientOptions{
		URL:         cfg.Peer.Hub,
		Participant: domain.ParticipantID(cfg.Peer.Participant),
		DisplayName: cfg.Peer.DisplayName,
		PingPeriod:  cfg.PingPeriod,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if *listPeers {
		lctx, lcancel := context.WithTimeout(ctx, 5*time.Second)
		defer lcancel()
		list, err := client.Participants(lctx)
		if err != nil {
			return err
		}
		for _, p := range list {
			fmt.Printf("%s\t%s\n", p.ID, p.DisplayName)
		}
		return nil
	}

	factory := rtc.NewFactory(rtc.Config{
		ICEServers:          iceServers(cfg.ICEServers),
		DisconnectedTimeout: cfg.WebRTC.DisconnectedTimeout,
		FailedTimeout:       cfg.WebRTC.FailedTimeout,
		KeepAliveInterval:   cfg.WebRTC.KeepAliveInterval,
		Codecs:              populate(codecs),
	})

	mgr := call.NewManager(call.Deps{
		Signal:  client,
		Peers:   factory,
		Devices: registry,
		Media:   devices.NewCapture(media.NewCapturer(codecs)),
	}, call.ManagerConfig{
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		SettleDelay:        cfg.Call.SettleDelay,
		Session: call.Options{
			QualityInterval:      cfg.Call.QualityInterval,
			RenegotiationBackoff: cfg.Call.RenegotiationBackoff,
			SendTimeout:          cfg.Call.SendTimeout,
			Devices: domain.DeviceSelection{
				Microphone: cfg.Devices.AudioInput,
				Camera:     cfg.Devices.VideoInput,
				Speaker:    cfg.Devices.AudioOutput,
			},
			Observers: []call.Observer{logEvent},
		},
	})

	registry.OnChange(func(list []domain.DeviceDescriptor) {
		log.Info().Str("module", "peer").Int("devices", len(list)).Msg("device list changed")
	})
	client.OnHubError(func(e sig.HubError) {
		log.Warn().Str("module", "peer").Str("code", e.Code).Str("to", e.To.String()).Msg("hub refused envelope")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Watch(gctx, cfg.Devices.Poll)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-client.Done():
			if err := client.Err(); err != nil {
				return fmt.Errorf("hub connection: %w", err)
			}
			return nil
		}
	})

	mgr.OnIncoming(func(inc call.IncomingCall) {
		log.Info().Str("module", "peer").Str("from", inc.From.String()).Str("kind", string(inc.Kind)).Msg("incoming call")
		if !*autoAccept {
			return
		}
		g.Go(func() error {
			s, err := mgr.AcceptCall(gctx, inc.CallID, inc.Kind)
			if err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("accept failed")
				return nil
			}
			drive(gctx, s)
			return nil
		})
	})
	mgr.OnIncomingEnded(func(id domain.CallID, reason domain.EndReason) {
		log.Info().Str("module", "peer").Str("call", id.String()).Str("reason", string(reason)).Msg("incoming call withdrawn")
	})

	if *callPeer != "" {
		kind := domain.MediaAudio
		if *withVideo {
			kind = domain.MediaVideo
		}
		g.Go(func() error {
			s, err := mgr.StartCall(gctx, domain.ParticipantID(*callPeer), kind)
			if err != nil {
				return fmt.Errorf("start call: %w", err)
			}
			drive(gctx, s)
			return nil
		})
	}

	<-gctx.Done()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := mgr.Close(closeCtx); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("close calls")
	}
	return g.Wait()
}

// drive runs one call to its end, applying the recording and timing flags.
func drive(ctx context.Context, s *call.Session) {
	if *recordDir != "" {
		for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
			rec, err := newRecorder(*recordDir, s.CallID(), kind)
			if err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("recorder")
				continue
			}
			defer rec.Close()
			if err := s.BindSink(ctx, kind, rec); err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("bind sink")
			}
		}
	}

	var upgrade, hangup <-chan time.Time
	stop := ctx.Done()
	if *upgradeAfter > 0 && s.MediaKind() == domain.MediaAudio {
		upgrade = time.After(*upgradeAfter)
	}
	if *hangupAfter > 0 {
		hangup = time.After(*hangupAfter)
	}
	for {
		select {
		case <-s.Done():
			log.Info().
				Str("module", "peer").
				Str("call", s.CallID().String()).
				Str("reason", string(s.EndReason())).
				Dur("duration", s.Duration()).
				Msg("call finished")
			return
		case <-upgrade:
			upgrade = nil
			if err := s.UpgradeToVideo(ctx); err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("upgrade to video")
			}
		case <-hangup:
			hangup = nil
			_ = s.End(ctx, domain.ReasonHangup)
		case <-stop:
			stop = nil
			_ = s.End(context.Background(), domain.ReasonShutdown)
		}
	}
}

func logEvent(e call.Event) {
	ev := log.Info().
		Str("module", "peer").
		Str("event", string(e.Type)).
		Str("call", e.CallID.String()).
		Str("peer", e.Peer.String())
	switch e.Type {
	case call.EventQualityChanged:
		ev = ev.Str("tier", string(e.Tier)).Float64("loss", e.Sample.LossRatio)
	case call.EventEnded:
		ev = ev.Str("reason", string(e.Reason))
	case call.EventFailed:
		ev = ev.Str("kind", string(e.ErrorKind)).AnErr("cause", e.Err)
	case call.EventRemoteMute:
		ev = ev.Bool("muted", e.Muted)
	case call.EventRemoteVideo:
		ev = ev.Bool("enabled", e.Enabled)
	case call.EventRemoteTrack:
		ev = ev.Str("track", e.TrackKind)
	}
	ev.Msg("call event")
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

// populate registers the capture codecs, or pion's defaults when there are none.
func populate(codecs *mediadevices.CodecSelector) func(*webrtc.MediaEngine) error {
	if codecs == nil {
		return nil
	}
	return func(me *webrtc.MediaEngine) error {
		codecs.Populate(me)
		return nil
	}
}
