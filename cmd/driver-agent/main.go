package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/courier-dispatch/internal/agent"
	"github.com/example/courier-dispatch/internal/clock"
	"github.com/example/courier-dispatch/internal/geofence"
	"github.com/example/courier-dispatch/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "driver-agent",
	Short: "Runs a courier's device agent against the dispatch server",
	Long: `driver-agent connects to the dispatch server as a driver, follows the
assigned order and advances it automatically once the courier has dwelt long
enough at the pickup or dropoff point. Location fixes are read as one JSON
object per line ({"lat":..,"lon":..}); a line {"action":"start-trip"} sends
the manual accepted -> enroute transition.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.driver-agent.yaml)")

	rootCmd.Flags().String("server", "ws://localhost:8080/ws", "Dispatch server websocket URL")
	rootCmd.Flags().String("driver-id", "", "Driver identifier")
	rootCmd.Flags().Bool("auto-accept", false, "Accept every offer as soon as it arrives")
	rootCmd.Flags().String("fixes", "-", "Location fix stream (file path, - for stdin)")
	rootCmd.Flags().String("log-level", "info", "Log level")
	rootCmd.Flags().Float64("zone-radius-m", geofence.DefaultConfig().RadiusM, "Geofence zone radius in meters")
	rootCmd.Flags().Duration("dwell", geofence.DefaultConfig().Dwell, "Dwell time before automatic validation")

	_ = viper.BindPFlags(rootCmd.Flags())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".driver-agent")
	}

	viper.SetEnvPrefix("DRIVER_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func run(ctx context.Context) error {
	logger := logging.New(os.Stderr, viper.GetString("log-level"), "text")
	driverID := viper.GetString("driver-id")
	if driverID == "" {
		return fmt.Errorf("--driver-id is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := geofence.DefaultConfig()
	cfg.RadiusM = viper.GetFloat64("zone-radius-m")
	cfg.Dwell = viper.GetDuration("dwell")

	live := &liveClient{}
	d := agent.NewDriver(driverID, live, cfg, clock.Real(), logger)
	d.AutoAccept = viper.GetBool("auto-accept")
	d.Monitor().OnDwell(func(s geofence.Snapshot) {
		logger.Info("dwelling in zone", "order_id", s.OrderID, "phase", s.Phase, "dwell", s.Dwell.Round(time.Second), "distance_m", s.DistanceM)
	})

	fixes, err := openFixes(viper.GetString("fixes"))
	if err != nil {
		return err
	}
	defer fixes.Close()
	go func() {
		if err := feedFixes(ctx, fixes, d, logger); err != nil {
			logger.Warn("fix stream ended", "err", err)
		}
	}()

	runSessions(ctx, viper.GetString("server"), driverID, live, d, logger)
	logger.Info("driver agent stopped")
	return nil
}

func openFixes(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
