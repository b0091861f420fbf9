package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carevue/teleconsult/internal/call"
	"github.com/carevue/teleconsult/internal/config"
	"github.com/carevue/teleconsult/internal/logging"
	"github.com/carevue/teleconsult/internal/media"
	"github.com/carevue/teleconsult/internal/rtc"
	"github.com/carevue/teleconsult/internal/signaling"
	"github.com/carevue/teleconsult/internal/ui"
)

var (
	flagToken      string
	flagDomain     string
	flagSTUN       string
	flagTURN       string
	flagTURNUser   string
	flagTURNPass   string
	flagForceRelay bool
)

var callCmd = &cobra.Command{
	Use:     "call <appointment-id>",
	Aliases: []string{"c"},
	Short:   "Join the video consultation for an appointment",
	Long: `Join the video consultation for an appointment.

The access token comes from --token or the TELECONSULT_TOKEN environment
variable.

Examples:
  teleconsult call apt-83c1
  teleconsult call apt-83c1 --relay`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(args[0])
	},
}

func runCall(appointmentID string) error {
	log := logging.Init()

	cfg, err := config.Load(config.Options{
		Domain:     flagDomain,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagForceRelay,
	})
	if err != nil {
		return err
	}

	token := flagToken
	if token == "" {
		token = os.Getenv("TELECONSULT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("no access token: pass --token or set TELECONSULT_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	newSession := func() *call.Session {
		s := call.New(
			call.Params{AppointmentID: appointmentID, Token: token},
			sessionDeps(cfg, log),
			log,
		)
		s.Start(ctx)
		return s
	}

	session := newSession()
	model := ui.NewCallModel(session, newSession)

	if _, err := tea.NewProgram(model).Run(); err != nil {
		session.Hangup()
		return fmt.Errorf("render call screen: %w", err)
	}
	session.Hangup()
	return nil
}

// sessionDeps wires the real collaborators. Every session gets fresh
// instances; nothing is shared across attempts.
func sessionDeps(cfg *config.Config, log zerolog.Logger) call.Deps {
	return call.Deps{
		NewSignaler: func() call.Signaler {
			return signaling.NewChannel(cfg.WebSocketURL, log)
		},
		NewGateway: func() call.MediaGateway {
			return media.NewGateway(log)
		},
		NewPeer: func(stream *media.Stream) (call.Peer, error) {
			return rtc.NewPeer(cfg, stream, log)
		},
	}
}

func init() {
	callCmd.Flags().StringVarP(&flagToken, "token", "t", "", "Access token for the signaling server")
	callCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Signaling server domain")
	callCmd.Flags().StringVar(&flagSTUN, "stun", "", "Custom STUN server URL")
	callCmd.Flags().StringVar(&flagTURN, "turn", "", "Custom TURN server URL")
	callCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN server username")
	callCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN server password")
	callCmd.Flags().BoolVar(&flagForceRelay, "relay", false, "Force relayed media (requires TURN)")

	rootCmd.AddCommand(callCmd)
}
