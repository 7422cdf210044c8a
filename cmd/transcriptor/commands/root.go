package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transcriptor",
	Short: "Real-time speech transcription relay",
	Long: `Real-time speech transcription relay.

Clients stream raw 16-bit mono PCM over a websocket (or a WebRTC data
channel) and receive partial and final transcripts as JSON text messages.
Send {"eof": 1} to finalize the current utterance.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
}
