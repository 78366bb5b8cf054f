package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tingly-dev/claude-box/internal/cli"
	"github.com/tingly-dev/claude-box/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "claude-box",
	Short: "claude-box - personal Claude API gateway",
	Long: `claude-box is a local gateway that exposes Anthropic Messages and
OpenAI Chat Completions endpoints backed by your Claude subscription,
with optional routing to custom OpenAI-compatible providers.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	// Accept snake_case spellings of flag names.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	appConfig, err := config.NewAppConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}
	appConfig.SetVersion(version)

	rootCmd.AddCommand(cli.StartCommand(appConfig))
	rootCmd.AddCommand(cli.RunCommand(appConfig))
	rootCmd.AddCommand(cli.StopCommand(appConfig))
	rootCmd.AddCommand(cli.RestartCommand(appConfig))
	rootCmd.AddCommand(cli.StatusCommand(appConfig))
	rootCmd.AddCommand(cli.LoginCommand(appConfig))
	rootCmd.AddCommand(cli.SetupTokenCommand(appConfig))
	rootCmd.AddCommand(cli.LogoutCommand(appConfig))
	rootCmd.AddCommand(cli.RefreshCommand(appConfig))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("claude-box %s\n", version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
