package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "driftline"
	version = "v0.4.0"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market-inefficiency detection and trade orchestration engine",
		Version: version,
		Long: `Driftline watches multi-venue crypto price and liquidity streams for
transient pricing inefficiencies (stablecoin depegs, basis and calendar
dislocations, cross-venue arbitrage, momentum transfer, correlation
breakdowns), classifies them into sized opportunities, and drives each
accepted one through an entry/monitor/exit trade state machine.

The engine trades on paper by default; live venue connectivity plugs in
behind the exchange port.`,
	}

	rootCmd.PersistentFlags().AddFlagSet(commonFlags())

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection and trading engine",
		Long: `Starts the full pipeline with the monitor HTTP server. With --ticks a
recorded JSONL tick log streams through the paper adapter in real time;
without it the engine idles until a feed publishes.`,
		RunE: runEngine,
	}
	runCmd.Flags().String("ticks", "", "JSONL tick log streamed through the paper feed")
	runCmd.Flags().String("artifacts", "", "Directory for classification JSON artifacts")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded tick log deterministically",
		Long: `Feeds a JSONL tick log through the paper adapter against the simulated
clock and prints the resulting engine statistics. Two replays of the same
log produce the same detections and classifications.`,
		RunE: runReplay,
	}
	replayCmd.Flags().String("ticks", "", "JSONL tick log to replay (required)")
	replayCmd.Flags().Duration("tail", time.Minute, "Extra simulated time after the last tick")
	_ = replayCmd.MarkFlagRequired("ticks")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the monitor HTTP API without trading",
		Long:  "Starts only the HTTP surface (health, stats, metrics) over an idle engine.",
		RunE:  runMonitor,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// commonFlags is shared by every subcommand through the root's
// persistent set.
func commonFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("common", pflag.ContinueOnError)
	fs.String("config", "", "Engine config yaml (defaults apply when empty)")
	fs.String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	fs.String("http-host", "", "Monitor server host (overrides config/env)")
	fs.Int("http-port", 0, "Monitor server port (overrides config/env)")
	return fs
}

// setupLogging configures the global logger: console on a TTY, JSON
// otherwise.
func setupLogging(cmd *cobra.Command) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := cmd.Flags().GetString("log-level")
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
