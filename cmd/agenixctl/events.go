package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agenix-sh/agenix/internal/events"
)

var (
	flagEventBrokers string
	flagEventTopic   string
	flagEventGroup   string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the job lifecycle feed",
}

// events tail talks to Kafka directly rather than to queued; the feed is the
// one surface the coordinator exposes outside its own wire protocol.
var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream lifecycle events from the Kafka feed",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		brokers := splitBrokers(flagEventBrokers)
		if len(brokers) == 0 {
			return fmt.Errorf("no brokers: set --brokers or AGENIX_BROKERS")
		}

		sub := events.NewKafkaSubscriber(brokers, flagEventTopic, flagEventGroup,
			slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
		defer func() { _ = sub.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return sub.Subscribe(ctx, func(_ context.Context, ev events.Event) error {
			if flagJSON {
				raw, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}
			line := fmt.Sprintf("%s  %-14s %s", ev.At.Local().Format("15:04:05"), eventCell(ev.Type), ev.JobID)
			if ev.WorkerID != "" {
				line += "  worker=" + ev.WorkerID
			}
			if ev.Queue != "" {
				line += "  queue=" + ev.Queue
			}
			fmt.Println(line)
			return nil
		})
	},
}

// eventCell pads before coloring so ANSI codes don't break column widths.
func eventCell(typ string) string {
	cell := fmt.Sprintf("%-14s", typ)
	switch typ {
	case events.TypeCompleted:
		return color.GreenString(cell)
	case events.TypeClaimed:
		return color.CyanString(cell)
	case events.TypeRequeued:
		return color.YellowString(cell)
	case events.TypeFailed:
		return color.RedString(cell)
	case events.TypeDead:
		return color.HiRedString(cell)
	default:
		return cell
	}
}

func splitBrokers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if b := strings.TrimSpace(p); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func init() {
	eventsTailCmd.Flags().StringVar(&flagEventBrokers, "brokers", envOr("AGENIX_BROKERS", ""), "comma-separated Kafka brokers of the event feed")
	eventsTailCmd.Flags().StringVar(&flagEventTopic, "topic", "agenix.jobs", "event feed topic")
	eventsTailCmd.Flags().StringVar(&flagEventGroup, "group", "", "consumer group; empty tails without committing offsets")
	eventsCmd.AddCommand(eventsTailCmd)
}
