package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/civicq/askrank/internal/cluster"
	"github.com/civicq/askrank/internal/embedding"
	"github.com/spf13/cobra"
)

func embedCmd(configPath *string) *cobra.Command {
	var providerFlag string

	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Check duplicate detection on a set of questions",
		Long:  "Embeds each text (one per argument, or one per stdin line) and prints the pairwise cosine similarity with the clustering verdict at the configured thresholds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if providerFlag != "" {
				cfg.Embedding.Provider = providerFlag
			}

			texts := args
			if len(texts) == 0 {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if line := strings.TrimSpace(scanner.Text()); line != "" {
						texts = append(texts, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}
			if len(texts) < 2 {
				return fmt.Errorf("need at least two texts to compare")
			}

			emb, err := embedding.New(cfg.Embedding)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Embedding.Timeout*2)
			defer cancel()
			vecs, err := emb.Embed(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed: %w", err)
			}
			for i := range vecs {
				vecs[i] = embedding.Normalize(vecs[i])
			}

			th := cluster.Thresholds{Merge: cfg.Cluster.MergeThreshold, Review: cfg.Cluster.ReviewThreshold}
			fmt.Printf("model %s, merge %.2f, review %.2f\n", emb.Name(), th.Merge, th.Review)
			for i := 0; i < len(texts); i++ {
				for j := i + 1; j < len(texts); j++ {
					sim := float64(embedding.Cosine(vecs[i], vecs[j]))
					fmt.Printf("%d~%d  %.3f  %-9v %q / %q\n", i, j, sim, verdict(th, sim), texts[i], texts[j])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&providerFlag, "provider", "", "embedding provider (auto, ollama, openai)")
	return cmd
}

func verdict(th cluster.Thresholds, sim float64) cluster.Action {
	switch {
	case sim >= th.Merge:
		return cluster.Merged
	case sim >= th.Review:
		return cluster.Review
	default:
		return cluster.Singleton
	}
}
