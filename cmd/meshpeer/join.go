package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peerlink"
	"github.com/mossy-p/meshcall/internal/session"
	"github.com/mossy-p/meshcall/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagRoom     string
	flagName     string
	flagCall     bool
	flagNoMedia  bool
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagBitrate  int
	flagLogLevel string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and take part in its call",
	Long: `Join a room on the relay. With --call the peer starts a call as soon as it
knows who is in the room; otherwise it answers calls from others.

Examples:
  meshpeer join --room standup
  meshpeer join --room standup --name bot --call
  meshpeer join --server wss://relay.example/ws --room standup --no-media`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" {
			return fmt.Errorf("--room is required")
		}
		return join(cmd.Context())
	},
}

func join(parent context.Context) error {
	cfg, err := config.LoadClient(config.Options{
		SignalURL:        flagServer,
		STUNServer:       flagSTUN,
		TURNServer:       flagTURN,
		TURNUser:         flagTURNUser,
		TURNPass:         flagTURNPass,
		VideoBitrateKbps: flagBitrate,
		LogLevel:         flagLogLevel,
	})
	if err != nil {
		return err
	}
	l := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel, zerolog.WarnLevel), true)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := signaling.Dial(ctx, cfg.SignalURL, l)
	if err != nil {
		return err
	}
	defer client.Close()

	links, err := peerlink.NewFactory(peerlink.Options{
		ICEServers:       peerlink.ICEServers(cfg),
		VideoBitrateKbps: cfg.VideoBitrateKbps,
		Logger:           l.With().Str("component", "pion").Logger(),
	})
	if err != nil {
		return err
	}

	mediaOpts := media.Options{Logger: l}
	if flagNoMedia {
		mediaOpts.Probe = func(media.Profile) error { return errors.New("capture disabled") }
	}

	mgr := session.NewManager(session.ManagerOptions{
		Transport: client,
		Links:     links,
		Media:     media.NewSource(mediaOpts),
		Sink:      newLogSink(l),
		Logger:    l,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		mgr.Run(runCtx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	go pump(ctx, client, mgr, l)

	if err := mgr.Join(ctx, flagRoom, flagName); err != nil {
		return err
	}
	l.Info().Str("room_id", flagRoom).Str("server", cfg.SignalURL).Msg("Joining room")

	select {
	case <-ctx.Done():
		l.Info().Msg("Interrupted, hanging up")
	case <-client.Done():
		l.Warn().Msg("Relay connection closed")
	}

	hangCtx, hangCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hangCancel()
	return mgr.HangUp(hangCtx)
}

// pump feeds relay messages to the manager and starts the call once the room
// snapshot is in, when asked to.
func pump(ctx context.Context, client *signaling.Client, mgr *session.Manager, l zerolog.Logger) {
	called := false
	for msg := range client.Incoming() {
		mgr.Handle(msg)

		if _, ok := msg.(models.RoomUsers); ok && flagCall && !called {
			called = true
			if err := mgr.Call(ctx); err != nil {
				l.Error().Err(err).Msg("Could not start call")
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVar(&flagServer, "server", "", "Signaling relay URL (default "+config.DefaultSignalURL+")")
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room to join")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name")
	joinCmd.Flags().BoolVarP(&flagCall, "call", "c", false, "Start a call after joining")
	joinCmd.Flags().BoolVar(&flagNoMedia, "no-media", false, "Do not send media; answer receive-only")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().IntVar(&flagBitrate, "bitrate", 0, "Video bitrate hint in kbps")
	joinCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
}
