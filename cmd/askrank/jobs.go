package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/civicq/askrank/internal/config"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/ntfy"
	"github.com/spf13/cobra"
)

// oneShot starts the shards of every open contest, runs fn, publishes the
// resulting Top-Sets and stops. Embedding is not needed for batch jobs.
func oneShot(configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.start(ctx); err != nil {
		cancel()
		return err
	}
	runErr := fn(ctx, a)
	if runErr == nil {
		runErr = a.shards.PublishAll(ctx)
	}
	cancel()
	if err := a.shards.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	return runErr
}

func consolidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Merge clusters that drifted above the merge threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(*configPath, func(ctx context.Context, a *app) error {
				n, err := a.engine.Consolidate(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("consolidated %d cluster pair(s)\n", n)
				return nil
			})
		},
	}
}

func recomputeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild every open contest's scores from the vote ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(*configPath, func(ctx context.Context, a *app) error {
				if err := a.engine.Recompute(ctx); err != nil {
					return err
				}
				fmt.Printf("recomputed %d contest(s)\n", len(a.shards.Contests()))
				return nil
			})
		},
	}
}

func topsetCmd(configPath *string) *cobra.Command {
	var contestFlag string

	cmd := &cobra.Command{
		Use:   "topset",
		Short: "Print the latest published Top-Set of a contest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.store.LatestTopSet(contestFlag)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no top-set published for contest %q", contestFlag)
			}
			var out bytes.Buffer
			if err := json.Indent(&out, rec.Body, "", "  "); err != nil {
				return fmt.Errorf("decode top-set: %w", err)
			}
			out.WriteByte('\n')
			_, err = out.WriteTo(os.Stdout)
			return err
		},
	}

	cmd.Flags().StringVar(&contestFlag, "contest", "", "contest id")
	cmd.MarkFlagRequired("contest")
	return cmd
}

func checkConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the allocator settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				if config.IsAllocatorError(err) {
					fmt.Fprintln(os.Stderr, "portfolio settings rejected, the server will not start")
				}
				return err
			}
			p := cfg.Portfolio
			fmt.Printf("top_k:           %d\n", p.TopK)
			fmt.Printf("minority slots:  %d\n", p.MinoritySlots())
			fmt.Printf("default cap:     %d\n", p.CapFor(""))

			tags := make([]string, 0, len(p.Caps))
			for tag := range p.Caps {
				tags = append(tags, tag)
			}
			sort.Strings(tags)
			for _, tag := range tags {
				fmt.Printf("cap %-12s %d\n", tag+":", p.CapFor(tag))
			}
			fmt.Printf("thresholds:      merge %.2f, review %.2f\n", cfg.Cluster.MergeThreshold, cfg.Cluster.ReviewThreshold)
			fmt.Printf("half-life:       %s\n", cfg.Score.HalfLife)
			fmt.Println("ok")
			return nil
		},
	}
}

func notifyTestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test moderator alert to the configured ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Notify.Topic == "" {
				return fmt.Errorf("notify.topic is not set")
			}
			c := ntfy.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Kinds, logger.Log)
			if err := c.SendTest(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}
