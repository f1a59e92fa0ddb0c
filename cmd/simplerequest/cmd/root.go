// Package cmd provides the CLI commands for the simplerequest server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codingphoenixx/simplerequest/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "simplerequest",
	Short: "simplerequest - HTTP backend with routing, rate limiting and access control",
	Long: `simplerequest serves HTTP endpoints registered on a deterministic
path-template router, with per-caller rate limiting, API key access
control and an audit trail.

Quick start:
  1. Create a config file: simplerequest init
  2. Run: simplerequest serve

Configuration:
  Config is loaded from simplerequest.yaml in the current directory,
  $HOME/.simplerequest/, or /etc/simplerequest/.

  Environment variables override config values with the SIMPLEREQUEST_
  prefix. Example: SIMPLEREQUEST_SERVER_ADDR=:9090

Commands:
  serve       Start the HTTP server
  init        Write a starter configuration file
  hash-key    Hash an API key for the config file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./simplerequest.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
