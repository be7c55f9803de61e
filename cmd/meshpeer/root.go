package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshpeer",
	Short: "Headless participant for mesh WebRTC calls",
	Long: `meshpeer joins a room on a signaling relay and negotiates a direct WebRTC
session with every other participant. It sends silent audio and an idle video
track, and logs the media it receives.`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
