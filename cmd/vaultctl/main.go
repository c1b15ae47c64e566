package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Lllllllleong/taxdocumentvault/internal/services"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var userID string

	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "vaultctl - drive the tax document vault pipeline from a shell",
		Long: `vaultctl runs the same pipeline as the HTTP functions, configured from the
environment. With USE_MOCK_GCP=true every dependency is in-process, so state
only lives as long as one command; use "run" to submit and approve together.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("VAULT_USER_ID"), "Caller identity")

	rootCmd.AddCommand(submitCmd(&userID))
	rootCmd.AddCommand(approveCmd(&userID))
	rootCmd.AddCommand(rejectCmd(&userID))
	rootCmd.AddCommand(previewCmd(&userID))
	rootCmd.AddCommand(pendingCmd(&userID))
	rootCmd.AddCommand(recordsCmd(&userID))
	rootCmd.AddCommand(runCmd(&userID))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if services.Retryable(err) {
			fmt.Fprintln(os.Stderr, "the operation can be retried")
		}
		os.Exit(1)
	}
}

// withPipeline builds the pipeline for one command and releases it afterwards.
func withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *services.Pipeline) error) error {
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
	slog.SetDefault(logger)

	ctx := cmd.Context()
	p, closeFn, err := services.NewPipelineFromConfig(ctx, services.LoadConfig(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Error("Failed to close pipeline clients", "error", err)
		}
	}()
	return fn(ctx, p)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit [pdf]",
		Short: "Redact a document and stage it for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				res, err := p.Submit(ctx, *userID, document)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func approveCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approve [correlation-id]",
		Short: "Approve a staged submission and extract its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				res, err := p.Approve(ctx, args[0], *userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func rejectCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reject [correlation-id]",
		Short: "Discard a staged submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				if err := p.Reject(ctx, args[0], *userID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rejected", args[0])
				return nil
			})
		},
	}
}

func previewCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "preview [correlation-id]",
		Short: "Print a fresh signed URL for the redacted copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				url, err := p.Preview(ctx, args[0], *userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			})
		},
	}
}

func pendingCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List submissions awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				subs, err := p.Pending(ctx, *userID)
				if err != nil {
					return err
				}
				for _, s := range subs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d pages\t%s\n", s.CorrelationID, s.PageCount, s.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}

func recordsCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List extracted records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				recs, err := p.ListRecords(ctx, *userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func runCmd(userID *string) *cobra.Command {
	var approve bool
	cmd := &cobra.Command{
		Use:   "run [pdf]",
		Short: "Submit a document and, with --approve, approve it in the same process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			return withPipeline(cmd, func(ctx context.Context, p *services.Pipeline) error {
				sub, err := p.Submit(ctx, *userID, document)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "quarantined %s (%d pages)\npreview: %s\n", sub.CorrelationID, sub.PageCount, sub.PreviewURL)
				if !approve {
					return nil
				}
				res, err := p.Approve(ctx, sub.CorrelationID, *userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", true, "Approve after submitting")
	return cmd
}
