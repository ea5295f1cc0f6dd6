package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "reqsnipe",
	Short: "Capture a course-selection request and replay it on a precise schedule",
	Long: `ReqSnipe sits in front of the course-selection site as a reverse proxy.

Turn capture on, submit the selections you want once in the browser, then arm a
start time. At that instant every captured request is replayed round-robin at a
fixed interval, carrying the most recent token and cookie seen in your traffic.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

// flagBindings maps persistent flags onto config keys.
var flagBindings = map[string]string{
	"port":           "server.port",
	"admin-path":     "server.admin_path",
	"target":         "target.url",
	"capture":        "capture.enable_on_start",
	"adapter":        "capture.adapter",
	"start":          "schedule.start",
	"interval-ms":    "schedule.interval_ms",
	"duration-ms":    "schedule.duration_ms",
	"storage-driver": "storage.driver",
	"storage-path":   "storage.path",
	"log-level":      "log.level",
	"log-file":       "log.file_logging.path",
	"output":         "output.mode",
	"silence":        "output.silence",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.IntP("port", "p", 0, "Listen port")
	flags.String("admin-path", "", "Admin API path prefix")
	flags.StringP("target", "t", "", "Target endpoint URL to capture and replay")
	flags.Bool("capture", false, "Enable capture mode on start")
	flags.String("adapter", "", "Capture adapter (proxy, transport)")
	flags.StringP("start", "s", "", "Replay start time (RFC3339 or 2006-01-02T15:04:05)")
	flags.Int("interval-ms", 0, "Replay interval in milliseconds")
	flags.Int("duration-ms", 0, "Replay duration in milliseconds")
	flags.String("storage-driver", "", "Storage driver (sqlite, redis, memory)")
	flags.String("storage-path", "", "SQLite database path")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.String("log-file", "", "Enable file logging to this path")
	flags.StringP("output", "o", "", "Status output mode (console, json)")
	flags.Bool("silence", false, "Suppress status output")

	for flag, key := range flagBindings {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(versionCmd, newArmCmd(), newCorpusCmd())
}

// loadConfig reads the configuration with flag overrides applied and validates it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.FileLogging.Enable = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	if cfg.Output.Mode != "json" {
		printStartupBanner(os.Stdout, cfg)
	}
	log.Info("ReqSnipe starting",
		"version", version,
		"port", cfg.Server.Port,
		"admin_path", cfg.Server.AdminPath,
		"target", cfg.Target.URL,
		"capture", cfg.Capture.EnableOnStart,
		"storage", cfg.Storage.Driver,
	)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("ReqSnipe version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
