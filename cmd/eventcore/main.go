package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/contextualhq/eventcore/internal/admin"
	"github.com/contextualhq/eventcore/internal/config"
	"github.com/contextualhq/eventcore/internal/logging"
	"github.com/contextualhq/eventcore/internal/service"
)

var adminBaseURL string

var rootCmd = &cobra.Command{
	Use:   "eventcore",
	Short: "Redis-Streams event bus and task queue",
	Long:  `Run the event bus and task queue service, or operate a running instance over its admin API.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event bus and task queue service",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg, err := config.New()
		if err != nil {
			return err
		}
		logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		svc := service.New(cfg, nil, logger)
		return svc.Run(cmd.Context())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show bus counters and task queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		client := admin.NewClient(adminBaseURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			return err
		}
		tasks, err := client.TaskStats(ctx)
		if err != nil {
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			out, _ := json.MarshalIndent(map[string]any{"bus": health, "tasks": tasks}, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("bus: published=%d delivered=%d acked=%d dead_lettered=%d\n",
			health.Published, health.Delivered, health.Acked, health.DeadLettered)
		fmt.Printf("tasks: running=%d queued=%d completed=%d failed=%d dead=%d avg_latency_ms=%.1f\n",
			tasks.Running, tasks.Queued, tasks.CompletedTotal, tasks.FailedTotal,
			tasks.DeadTotal, tasks.AvgLatencyMS)
		for typ, ts := range tasks.PerType {
			fmt.Printf("  %-24s completed=%d failed=%d dead=%d\n", typ, ts.Completed, ts.Failed, ts.Dead)
		}
		return nil
	},
}

var streamInfoCmd = &cobra.Command{
	Use:   "info <stream>",
	Short: "Show backend metadata for a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		client := admin.NewClient(adminBaseURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		info, err := client.StreamInfo(ctx, args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var streamGroupsCmd = &cobra.Command{
	Use:   "groups <stream>",
	Short: "List consumer groups of a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		client := admin.NewClient(adminBaseURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		groups, err := client.StreamGroups(ctx, args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(groups, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Replay recent dead letters back onto their origin stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		stream, _ := cmd.Flags().GetString("stream")
		group, _ := cmd.Flags().GetString("group")
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		if stream == "" {
			return fmt.Errorf("--stream is required")
		}

		client := admin.NewClient(adminBaseURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		count, err := client.RepublishDeadLetters(ctx, stream, group, maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("republished %d dead letter(s) from %s.dead\n", count, stream)
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a task on a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		taskType, _ := cmd.Flags().GetString("type")
		rawPayload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetString("priority")
		dedupKey, _ := cmd.Flags().GetString("dedup-key")
		if taskType == "" {
			return fmt.Errorf("--type is required")
		}

		var payload map[string]any
		if rawPayload != "" {
			if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
				return fmt.Errorf("invalid --payload JSON: %w", err)
			}
		}

		client := admin.NewClient(adminBaseURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		id, err := client.QueueTask(ctx, admin.QueueTaskRequest{
			Type:     taskType,
			Payload:  payload,
			Priority: priority,
			DedupKey: dedupKey,
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued task %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminBaseURL, "admin-url", "http://localhost:8081", "Base URL of the admin API")

	statsCmd.Flags().Bool("json", false, "Output as JSON")

	republishCmd.Flags().String("stream", "", "Origin stream whose dead letters to replay")
	republishCmd.Flags().String("group", "", "Restrict to dead letters from this logical group (empty for all)")
	republishCmd.Flags().Duration("max-age", time.Hour, "Replay only dead letters younger than this")

	enqueueCmd.Flags().String("type", "", "Task type (must have a registered handler)")
	enqueueCmd.Flags().String("payload", "", "Task payload as JSON")
	enqueueCmd.Flags().String("priority", "normal", "Task priority: low, normal, high, critical")
	enqueueCmd.Flags().String("dedup-key", "", "Deduplication key")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect streams on a running instance",
	}
	streamCmd.AddCommand(streamInfoCmd)
	streamCmd.AddCommand(streamGroupsCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(republishCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
