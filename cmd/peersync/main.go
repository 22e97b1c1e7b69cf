package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/peersync/internal/peersync/config"
	"github.com/openmined/peersync/internal/peersync/node"
	"github.com/openmined/peersync/internal/peersync/utils"
	"github.com/openmined/peersync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var (
	defaultConfigPath  = filepath.Join(home, ".peersync", "config.json")
	defaultLogFilePath = filepath.Join(home, ".peersync", "logs", "peersync.log")
)

var rootCmd = &cobra.Command{
	Use:     "peersync",
	Short:   "LAN directory synchronizer",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:            viper.ConfigFileUsed(),
			MonitoredDir:    viper.GetString("monitored_dir"),
			BroadcastPort:   viper.GetInt("broadcast_port"),
			ListenPort:      viper.GetInt("listen_port"),
			SignatureDir:    viper.GetString("signature_dir"),
			BeaconIntervalS: viper.GetInt("beacon_interval_s"),
			MaxFrameBytes:   uint64(viper.GetInt64("max_frame_bytes")),
			ConnectTimeoutS: viper.GetInt("connect_timeout_s"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		slog.Info("peersync starting", "monitored_dir", cfg.MonitoredDir, "listen_port", cfg.ListenPort)

		n, err := node.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("peersync stopped")
		return n.Run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("dir", "d", "", "Directory to monitor and synchronize")
	rootCmd.Flags().Int("broadcast-port", config.DefaultBroadcastPort, "UDP port for peer discovery beacons")
	rootCmd.Flags().Int("listen-port", config.DefaultListenPort, "TCP port to accept peer connections on")
	rootCmd.Flags().String("signature-dir", config.DefaultSignatureDir, "Directory to persist file signatures")
	rootCmd.Flags().Int("beacon-interval", config.DefaultBeaconInterval, "Seconds between peer discovery beacons")
	rootCmd.Flags().Int64("max-frame-bytes", config.DefaultMaxFrameBytes, "Maximum accepted frame size in bytes")
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "peersync config file")
}

func main() {
	logDir := filepath.Dir(defaultLogFilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(defaultLogFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".peersync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !errors.Is(err, os.ErrNotExist) && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("monitored_dir", cmd.Flags().Lookup("dir"))
	viper.BindPFlag("broadcast_port", cmd.Flags().Lookup("broadcast-port"))
	viper.BindPFlag("listen_port", cmd.Flags().Lookup("listen-port"))
	viper.BindPFlag("signature_dir", cmd.Flags().Lookup("signature-dir"))
	viper.BindPFlag("beacon_interval_s", cmd.Flags().Lookup("beacon-interval"))
	viper.BindPFlag("max_frame_bytes", cmd.Flags().Lookup("max-frame-bytes"))

	viper.SetEnvPrefix("PEERSYNC")
	viper.AutomaticEnv()

	// AutomaticEnv derives PEERSYNC_<KEY> verbatim from each viper key.
	// beacon_interval_s would derive PEERSYNC_BEACON_INTERVAL_S, but the
	// documented env var drops the _S suffix, so bind it explicitly rather
	// than renaming the config key everywhere else.
	viper.BindEnv("beacon_interval_s", "PEERSYNC_BEACON_INTERVAL")

	return nil
}
