package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/carevue/teleconsult/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "teleconsult",
	Short: "Secure doctor-patient video consultations from the terminal",
	Long: `Teleconsult joins the video consultation for an appointment directly
from the terminal. Media flows peer to peer over WebRTC; the signaling
server only pairs the two participants of the appointment and relays
their connection negotiation.`,
}

// Execute runs the root command.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
