package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/driftline/internal/adapters/paper"
	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/domain"
	"github.com/sawpanic/driftline/internal/engine"
)

// firstTimestamp peeks the first tick of a JSONL log so the simulated
// clock can start aligned with the recording.
func firstTimestamp(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("open tick log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tick domain.PriceTick
		if err := json.Unmarshal(line, &tick); err != nil {
			return time.Time{}, fmt.Errorf("tick log %s: first line: %w", path, err)
		}
		return tick.Timestamp, nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, fmt.Errorf("tick log %s is empty", path)
}

// runReplay drives a recorded log through the full pipeline on the
// simulated clock and prints the closing statistics.
func runReplay(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)

	path, _ := cmd.Flags().GetString("ticks")
	tail, _ := cmd.Flags().GetDuration("tail")

	start, err := firstTimestamp(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sim := clock.NewSim(start)
	client := paper.NewClient(paper.DefaultClientConfig(), sim, log.Logger)
	eng, err := engine.New(cfg, sim, client, nil, nil, nil, log.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tick log: %w", err)
	}
	n, err := client.LoadJSONL(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	span := client.Replay(ctx)
	log.Info().Int("ticks", n).Dur("span", span).Time("start", start).Msg("replay starting")

	// Advance in chunks, pausing briefly so the classification pipeline
	// keeps pace with the timers.
	total := span + tail
	step := total / 1000
	if step < time.Second {
		step = time.Second
	}
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		sim.Advance(step)
		time.Sleep(time.Millisecond)
	}
	time.Sleep(250 * time.Millisecond) // drain in-flight candidates

	stats := eng.Stats()
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	log.Info().
		Int("classifications", stats.ActiveClassifications).
		Int("completed_trades", stats.CompletedTrades).
		Msg("replay finished")
	return nil
}
