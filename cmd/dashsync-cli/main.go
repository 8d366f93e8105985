// Command dashsync is the command-line client for a dashsync server: widget
// CRUD plus a live sync engine for watching and editing a dashboard.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/persistorai/dashsync/client"
)

// Build-time variables set via ldflags.
var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

const defaultURL = "http://localhost:3030"

var (
	apiClient   *client.Client
	flagURL     string
	flagFmt     string
	flagProfile string
)

func versionString() string {
	if commit != "" && buildDate != "" {
		return fmt.Sprintf("dashsync version %s (commit: %s, built: %s)", version, commit, buildDate)
	}
	return fmt.Sprintf("dashsync version %s-dev", version)
}

type configFile struct {
	// Flat format
	URL     string `yaml:"url"`
	NATSURL string `yaml:"nats_url"`
	// Profile format
	Profiles      map[string]configProfile `yaml:"profiles"`
	ActiveProfile string                   `yaml:"active_profile"`
}

type configProfile struct {
	URL     string `yaml:"url"`
	NATSURL string `yaml:"nats_url"`
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "dashsync",
		Short:   "dashsync CLI: collaborative dashboard widgets",
		Version: versionString(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			resolveConfig()
			apiClient = client.New(flagURL, client.WithUserAgent("dashsync-cli/"+version))
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&flagURL, "url", defaultURL, "dashsync server URL (env: DASHSYNC_URL)")
	rootCmd.PersistentFlags().StringVar(&flagFmt, "format", "json", "Output format: json|table|quiet")
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "Config profile (env: DASHSYNC_PROFILE)")

	versionCmd := newVersionCmd()
	versionCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {} // skip client setup

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newWidgetCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newEditCmd())
	rootCmd.AddCommand(newRefreshCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

// configNATSURL is the NATS server named by the active config profile, used
// by watch/edit when --nats is not given.
var configNATSURL string

func resolveConfig() {
	// Flag takes precedence, then env, then config file.
	if flagURL == defaultURL {
		if v := os.Getenv("DASHSYNC_URL"); v != "" {
			flagURL = v
		}
	}
	if flagProfile == "" {
		flagProfile = os.Getenv("DASHSYNC_PROFILE")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(home, ".dashsync", "config.yaml"))
	if err != nil {
		return
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring unreadable config file: %v\n", err)
		return
	}

	// Resolve from profiles if available, fall back to flat format.
	resolvedURL, resolvedNATS := cfg.URL, cfg.NATSURL
	if cfg.Profiles != nil {
		profileName := flagProfile
		if profileName == "" {
			profileName = cfg.ActiveProfile
		}
		if profileName == "" {
			profileName = "default"
		}
		if p, ok := cfg.Profiles[profileName]; ok {
			if p.URL != "" {
				resolvedURL = p.URL
			}
			if p.NATSURL != "" {
				resolvedNATS = p.NATSURL
			}
		}
	}
	if flagURL == defaultURL && resolvedURL != "" {
		flagURL = resolvedURL
	}
	configNATSURL = resolvedNATS
}

// exit is replaced in tests.
var exit = os.Exit

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	exit(1)
}
