package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/cds"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// withApp loads the configuration and the rules for a one-shot command.
// Logs go to stderr so stdout carries only the command's output.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, newLogger(cfg, os.Stderr), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func discoveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discovery",
		Short: "Print the discovery document for the loaded rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return writeJSON(cmd.OutOrStdout(), a.service.Discovery(ctx))
			})
		},
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a hook request file against one service",
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceID, _ := cmd.Flags().GetString("service")
			path, _ := cmd.Flags().GetString("request")
			req, err := readHookRequest(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resp, err := a.service.Evaluate(ctx, serviceID, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().String("service", "", "Service id to call")
	cmd.Flags().String("request", "-", "Hook request JSON file, - for stdin")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func readHookRequest(stdin io.Reader, path string) (*fhir.CDSHookRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var req fhir.CDSHookRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode hook request: %w", err)
	}
	return &req, nil
}

// withRuleRepo opens the rule store for the rules subcommands.
func withRuleRepo(cmd *cobra.Command, fn func(ctx context.Context, pool db.DB, repo cds.RuleRepository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool, cds.NewRuleRepoPG(pool))
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage rules in the database rule store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import PATH",
		Short: "Store the PlanDefinitions found under PATH with their libraries and activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := cds.ReadResources(args[0])
			if err != nil {
				return err
			}
			stored, err := cds.StoredRulesFrom(resources)
			if err != nil {
				return err
			}
			return withRuleRepo(cmd, func(ctx context.Context, pool db.DB, repo cds.RuleRepository) error {
				return db.WithTx(ctx, pool, func(ctx context.Context) error {
					return importRules(ctx, cmd.OutOrStdout(), repo, stored)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print a stored rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuleRepo(cmd, func(ctx context.Context, _ db.DB, repo cds.RuleRepository) error {
				sr, err := repo.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), sr)
			})
		},
	})

	for _, active := range []bool{true, false} {
		active := active
		use, short := "enable ID", "Serve a stored rule"
		if !active {
			use, short = "disable ID", "Stop serving a stored rule"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuleRepo(cmd, func(ctx context.Context, _ db.DB, repo cds.RuleRepository) error {
					return repo.SetActive(ctx, args[0], active)
				})
			},
		})
	}
	return cmd
}

func importRules(ctx context.Context, w io.Writer, repo cds.RuleRepository, stored []*cds.StoredRule) error {
	for _, sr := range stored {
		if err := repo.Upsert(ctx, sr); err != nil {
			return fmt.Errorf("store rule %s: %w", sr.ID, err)
		}
		fmt.Fprintf(w, "stored %s\n", sr.ID)
	}
	fmt.Fprintf(w, "Imported %d rule(s).\n", len(stored))
	return nil
}

func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback SERVICE_ID",
		Short: "List card feedback recorded for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.feedback == nil {
					return fmt.Errorf("DATABASE_URL is required")
				}
				records, total, err := a.feedback.ListByService(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				printFeedback(cmd.OutOrStdout(), records, total)
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum records to list")
	cmd.Flags().Int("offset", 0, "Records to skip")
	return cmd
}

func printFeedback(w io.Writer, records []*cds.FeedbackRecord, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CARD\tOUTCOME\tACCEPTED\tAT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.CardID, r.Outcome, len(r.AcceptedSuggestions), r.OutcomeTimestamp.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d record(s)\n", len(records), total)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
