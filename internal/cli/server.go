// Package cli implements the claude-box subcommands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/claude-box/internal/auth"
	"github.com/tingly-dev/claude-box/internal/config"
	"github.com/tingly-dev/claude-box/internal/constant"
	"github.com/tingly-dev/claude-box/internal/db"
	"github.com/tingly-dev/claude-box/internal/obs/otel"
	"github.com/tingly-dev/claude-box/internal/server"
	"github.com/tingly-dev/claude-box/pkg/daemon"
	"github.com/tingly-dev/claude-box/pkg/lock"
)

const (
	anthropicEndpointTpl = "http://localhost:%d/v1/messages"
	openAIEndpointTpl    = "http://localhost:%d/v1/chat/completions"
)

// printBanner prints the endpoints the started server exposes.
func printBanner(port int, isDaemon bool) {
	fmt.Println("\nYou can reach the gateway at:")
	fmt.Printf("  Anthropic API: "+anthropicEndpointTpl+"\n", port)
	fmt.Printf("  OpenAI API:    "+openAIEndpointTpl+"\n", port)
	if isDaemon {
		fmt.Println("\nServer is running in background. Use 'claude-box stop' to stop.")
	}
}

type startFlags struct {
	port    int
	host    string
	debug   bool
	daemon  bool
	logFile string
}

// addStartFlags attaches the shared start/restart flag set.
func addStartFlags(cmd *cobra.Command, flags *startFlags) {
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Server port (default: from config or 8089)")
	cmd.Flags().StringVar(&flags.host, "host", "localhost", "Server host")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug mode with verbose logging and a stdout metrics dump")
	cmd.Flags().BoolVar(&flags.daemon, "daemon", false, "Run in the background")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Log file path (default: ~/.claude-box/log/claude-box.log)")
}

type startOptions struct {
	Host    string
	Port    int
	Debug   bool
	Daemon  bool
	LogFile string
	// NoLock skips single-instance enforcement (the run command).
	NoLock bool
}

// resolveStartOptions merges flags over persisted config. CLI flag wins,
// then config, then default.
func resolveStartOptions(cmd *cobra.Command, flags startFlags, appConfig *config.AppConfig) startOptions {
	debug := flags.debug
	if !cmd.Flags().Changed("debug") {
		debug = appConfig.GetDebug()
	}

	port := flags.port
	if port == 0 {
		port = appConfig.GetServerPort()
	} else {
		_ = appConfig.SetServerPort(port)
	}

	return startOptions{
		Host:    flags.host,
		Port:    port,
		Debug:   debug,
		Daemon:  flags.daemon,
		LogFile: flags.logFile,
	}
}

// applyLogLevel picks the logging level for the server process. A level
// already raised above the target, such as trace via --verbose, is kept.
func applyLogLevel(debug bool) {
	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	if logrus.GetLevel() < level {
		logrus.SetLevel(level)
	}
}

// startServer runs the gateway until a signal or listener failure.
func startServer(appConfig *config.AppConfig, opts startOptions) error {
	if opts.Debug {
		_ = appConfig.SetDebug(true)
	}
	applyLogLevel(opts.Debug)

	logFile := opts.LogFile
	if logFile == "" {
		logFile = filepath.Join(constant.GetLogDir(appConfig.ConfigDir()), constant.LogFileName)
	}
	logWriter := daemon.RotatingLog(logFile, 0)
	if opts.Daemon {
		logrus.SetOutput(logWriter)
	} else {
		logrus.SetOutput(io.MultiWriter(os.Stdout, logWriter))
	}

	if opts.Daemon && !daemon.InChild() {
		fmt.Printf("Logging to: %s\n", logFile)
		printBanner(opts.Port, true)
		pid, err := daemon.Detach()
		if err != nil {
			return fmt.Errorf("failed to detach: %w", err)
		}
		fmt.Printf("Gateway running in the background (pid %d)\n", pid)
		return nil
	}

	var fileLock *lock.FileLock
	if !opts.NoLock {
		fileLock = lock.NewFileLock(appConfig.ConfigDir())
		if fileLock.IsLocked() {
			fmt.Printf("Server is already running on port %d\n", appConfig.GetServerPort())
			fmt.Println("Tip: use 'claude-box stop' to stop it first")
			return nil
		}
		if err := fileLock.TryLock(); err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		defer fileLock.Unlock()
	}

	authMgr := auth.NewManager(auth.NewStore(appConfig.ConfigDir()), auth.DefaultConfig())

	meterCfg := otel.DefaultConfig(constant.GetDBFile(appConfig.ConfigDir()))
	meterCfg.Stdout = opts.Debug
	meter, err := otel.NewMeterSetup(context.Background(), meterCfg)
	if err != nil {
		logrus.Warnf("metrics disabled: %v", err)
	}

	usageStore, err := db.NewUsageStore(constant.GetDBFile(appConfig.ConfigDir()))
	if err != nil {
		logrus.Warnf("usage ledger disabled: %v", err)
	}

	serverOpts := []server.Option{
		server.WithHost(opts.Host),
		server.WithVersion(appConfig.GetVersion()),
	}
	if meter != nil {
		serverOpts = append(serverOpts, server.WithTracker(meter.Tracker()))
	}
	if usageStore != nil {
		serverOpts = append(serverOpts, server.WithUsageStore(usageStore))
	}
	srv := server.NewServer(appConfig, authMgr, serverOpts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(opts.Port)
	}()

	fmt.Printf("Server starting on port %d...\n", opts.Port)
	printBanner(opts.Port, false)

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Stop(ctx)
		if meter != nil {
			if merr := meter.Shutdown(ctx); merr != nil {
				logrus.Warnf("metrics shutdown: %v", merr)
			}
		}
		if usageStore != nil {
			_ = usageStore.Close()
		}
		return err
	}

	select {
	case err := <-serverErr:
		_ = shutdown()
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-sigChan:
		fmt.Println("\nReceived shutdown signal, stopping server...")
		return shutdown()
	}
}

// stopServerWithFileLock signals the running instance and waits for the
// lock to release, escalating to SIGKILL after 30 seconds.
func stopServerWithFileLock(fileLock *lock.FileLock) error {
	pid, err := fileLock.GetPID()
	if err != nil {
		return fmt.Errorf("lock file does not exist or is invalid: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send shutdown signal: %w", err)
	}

	for i := 0; i < 30; i++ {
		if !fileLock.IsLocked() {
			return nil
		}
		time.Sleep(1 * time.Second)
	}

	fmt.Println("Server didn't stop gracefully, force killing...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to force kill process: %w", err)
	}
	return nil
}

func doStopServer(appConfig *config.AppConfig) error {
	fileLock := lock.NewFileLock(appConfig.ConfigDir())
	if !fileLock.IsLocked() {
		fmt.Println("Server is not running")
		return nil
	}

	fmt.Println("Stopping server...")
	if err := stopServerWithFileLock(fileLock); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	fmt.Println("Server stopped successfully")
	return nil
}

// StartCommand starts the gateway, optionally as a daemon.
func StartCommand(appConfig *config.AppConfig) *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the claude-box gateway",
		Long: `Start the HTTP gateway exposing the Anthropic Messages and
OpenAI Chat Completions endpoints backed by your Claude subscription.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(appConfig, resolveStartOptions(cmd, flags, appConfig))
		},
	}

	addStartFlags(cmd, &flags)
	return cmd
}

// RunCommand runs the gateway in the foreground without the instance
// lock, for supervisors that manage their own process lifecycle.
func RunCommand(appConfig *config.AppConfig) *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground without an instance lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := resolveStartOptions(cmd, flags, appConfig)
			opts.Daemon = false
			opts.NoLock = true
			return startServer(appConfig, opts)
		},
	}

	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Server port (default: from config or 8089)")
	cmd.Flags().StringVar(&flags.host, "host", "localhost", "Server host")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug mode")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Log file path")
	return cmd
}

// StopCommand stops a running gateway.
func StopCommand(appConfig *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStopServer(appConfig)
		},
	}
}

// RestartCommand stops any running gateway and starts a fresh one.
func RestartCommand(appConfig *config.AppConfig) *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := resolveStartOptions(cmd, flags, appConfig)

			fileLock := lock.NewFileLock(appConfig.ConfigDir())
			if fileLock.IsLocked() {
				fmt.Println("Stopping current server...")
				if err := stopServerWithFileLock(fileLock); err != nil {
					return fmt.Errorf("failed to stop server: %w", err)
				}
				fmt.Println("Server stopped successfully")
				time.Sleep(1 * time.Second)
			} else {
				fmt.Println("Server was not running, starting it...")
			}

			return startServer(appConfig, opts)
		},
	}

	addStartFlags(cmd, &flags)
	return cmd
}

// StatusCommand prints server, credential and usage state.
func StatusCommand(appConfig *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status, credentials and recent usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileLock := lock.NewFileLock(appConfig.ConfigDir())

			fmt.Println("=== claude-box status ===")
			if fileLock.IsLocked() {
				port := appConfig.GetServerPort()
				fmt.Println("Server: running")
				fmt.Printf("Port: %d\n", port)
				fmt.Printf("Anthropic API: "+anthropicEndpointTpl+"\n", port)
				fmt.Printf("OpenAI API:    "+openAIEndpointTpl+"\n", port)
			} else {
				fmt.Println("Server: stopped")
			}

			authMgr := auth.NewManager(auth.NewStore(appConfig.ConfigDir()), auth.DefaultConfig())
			status := authMgr.Status()
			fmt.Println("\nAuthentication:")
			if !status.Authenticated {
				fmt.Println("  Not authenticated. Run 'claude-box login'.")
			} else {
				fmt.Printf("  Token type: %s\n", status.Type)
				if status.Type == auth.TokenTypeEphemeral {
					fmt.Printf("  Expires: %s\n", status.ExpiresAt.Format(time.RFC3339))
					if status.Expired {
						fmt.Println("  Token expired; it will refresh on the next request.")
					}
				}
			}

			providers := appConfig.Providers().List()
			fmt.Printf("\nCustom providers: %d\n", len(providers))
			for _, p := range providers {
				fmt.Printf("  - %s (%s): %d models\n", p.Name, p.BaseURL, len(p.Models))
			}

			printUsageSummary(appConfig)
			return nil
		},
	}
}

// printUsageSummary prints the last 7 days of ledger aggregates.
func printUsageSummary(appConfig *config.AppConfig) {
	store, err := db.NewUsageStore(constant.GetDBFile(appConfig.ConfigDir()))
	if err != nil {
		return
	}
	defer store.Close()

	summaries, err := store.Summarize(time.Now().AddDate(0, 0, -7))
	if err != nil || len(summaries) == 0 {
		return
	}

	fmt.Println("\nUsage (last 7 days):")
	for _, s := range summaries {
		fmt.Printf("  %s/%s: %d requests, %d in / %d out tokens",
			s.Provider, s.Model, s.RequestCount, s.InputTokens, s.OutputTokens)
		if s.ErrorCount > 0 {
			fmt.Printf(", %d errors", s.ErrorCount)
		}
		fmt.Println()
	}
}
