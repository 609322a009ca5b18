package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"rtcsession/native/internal/api"
	"rtcsession/native/internal/config"
	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/health"
	"rtcsession/native/internal/pipeline"
	"rtcsession/native/internal/session"
	sigclient "rtcsession/native/internal/signal"
	"rtcsession/native/internal/webrtc"
)

const (
	reconnectDelay = 2 * time.Second
	pingInterval   = 30 * time.Second
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "rtcsession",
		Short: "Receive a WebRTC video session from a signalling peer",
		Long: `rtcsession registers with a signalling server, calls the remote peer and
receives its H264 video over WebRTC, discarding the media. When a session
ends it tears the pipeline down and reconnects.

Every flag defaults to its environment variable (a .env file is read too).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, r)
		},
	}
	cmd.CompletionOptions.HiddenDefaultCmd = true

	f := cmd.Flags()
	f.StringVar(&cfg.SignallingURL, "server", cfg.SignallingURL, "signalling server URL (SIGNALLING_URL)")
	f.IntVar(&cfg.PeerID, "peer-id", cfg.PeerID, "our peer id (PEER_ID)")
	f.IntVar(&cfg.RemotePeerID, "remote-peer-id", cfg.RemotePeerID, "peer id to call (REMOTE_PEER_ID)")
	f.StringVar(&cfg.Encoder, "encoder", cfg.Encoder, "encoder the remote peer uses (WEBRTC_ENCODER)")
	f.StringVar(&cfg.RTCConfigJSON, "rtc-config-json", cfg.RTCConfigJSON, "RTC config file (RTC_CONFIG_JSON)")
	f.StringVar(&cfg.RTCConfigURL, "rtc-config-url", cfg.RTCConfigURL, "RTC config URL (RTC_CONFIG_URL)")
	f.StringVar(&cfg.TurnHost, "turn-host", cfg.TurnHost, "TURN host (TURN_HOST)")
	f.IntVar(&cfg.TurnPort, "turn-port", cfg.TurnPort, "TURN port (TURN_PORT)")
	f.StringVar(&cfg.TurnProtocol, "turn-protocol", cfg.TurnProtocol, "TURN transport, udp or tcp (TURN_PROTOCOL)")
	f.BoolVar(&cfg.TurnTLS, "turn-tls", cfg.TurnTLS, "use TURN over TLS (TURN_TLS)")
	f.BoolVar(&cfg.BasicAuth, "enable-basic-auth", cfg.BasicAuth, "send basic auth to the signalling server (ENABLE_BASIC_AUTH)")
	f.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "health endpoint address, empty disables (HEALTH_ADDR)")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "bus and state polling interval (POLL_INTERVAL)")
	f.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging (DEBUG)")
	f.StringVar(&role, "role", domain.RoleAnswerer.String(), "negotiation role, answerer or offerer")
	return cmd
}

func parseRole(s string) (domain.Role, error) {
	switch s {
	case domain.RoleAnswerer.String():
		return domain.RoleAnswerer, nil
	case domain.RoleOfferer.String():
		return domain.RoleOfferer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func newLoggerFactory(debug bool) logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.Writer = os.Stderr
	if debug {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	return lf
}

func run(ctx context.Context, cfg *config.Config, role domain.Role) (err error) {
	defer err2.Handle(&err)

	try.To(cfg.Validate())
	lf := newLoggerFactory(cfg.Debug)
	log := lf.NewLogger("main")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rtc, source := try.To2(cfg.RTCConfig(ctx, api.NewClient(lf)))
	stun, turn := try.To2(config.ParseRTCConfig(rtc))
	log.Infof("rtc config from %s: %d stun, %d turn servers", source, len(stun), len(turn))

	hs := health.New(cfg.Debug, lf)
	if cfg.HealthAddr != "" {
		go func() {
			if err := hs.Run(ctx, cfg.HealthAddr); err != nil {
				log.Errorf("health server: %v", err)
			}
		}()
	}

	r := &runner{
		cfg:    cfg,
		engine: webrtc.NewEngine(lf),
		health: hs,
		lf:     lf,
		log:    log,
		session: session.Config{
			LocalPeerID:  cfg.PeerID,
			RemotePeerID: cfg.RemotePeerID,
			Role:         role,
			Pipeline: pipeline.Config{
				StunServers: stun,
				TurnServers: turn,
				Encoder:     cfg.Encoder,
			},
			PollInterval: cfg.PollInterval,
		},
	}

	for {
		err := r.once(ctx)
		if errors.Is(err, domain.ErrMissingCapability) {
			return err
		}
		if ctx.Err() != nil {
			log.Info("shutting down")
			return nil
		}
		if err != nil {
			log.Warnf("session ended: %v", err)
		} else {
			log.Info("session ended")
		}

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// runner holds what every session of the process shares.
type runner struct {
	cfg     *config.Config
	engine  *webrtc.Engine
	health  *health.Server
	session session.Config
	lf      logging.LoggerFactory
	log     logging.LeveledLogger
}

// once runs a single session from connect to teardown.
func (r *runner) once(ctx context.Context) error {
	sess, err := session.New(ctx, r.engine, r.session, r.lf)
	if err != nil {
		return err
	}
	defer sess.Close()

	sc := sigclient.NewClient(sigclient.Config{
		URL:          r.cfg.SignallingURL,
		PeerID:       r.cfg.PeerID,
		RemotePeerID: r.cfg.RemotePeerID,
		BasicAuth:    r.cfg.BasicAuth,
		User:         r.cfg.BasicAuthUser,
		Password:     r.cfg.BasicAuthPassword,
		PingInterval: pingInterval,
		RetryDelay:   reconnectDelay,
	}, sess, r.lf)
	defer sc.Close()
	sess.SetSignaler(sc)

	r.health.SetSession(sess)
	defer r.health.SetSession(nil)

	if err := sc.Connect(ctx); err != nil {
		return fmt.Errorf("signal connect: %w", err)
	}
	if err := sc.SetupCall(); err != nil {
		return fmt.Errorf("setup call: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		return sess.Err()
	case <-sc.Done():
		return session.ErrDisconnected
	}
}
