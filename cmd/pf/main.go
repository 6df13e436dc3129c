package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"peerflow/internal/app"
	"peerflow/internal/config"
	"peerflow/internal/db"
	"peerflow/internal/domain"
	"peerflow/internal/engine"
	"peerflow/internal/migrate"
	"peerflow/internal/repo"
	"peerflow/internal/server"
	"peerflow/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "pf",
	Short: "Peerflow CLI",
	Long: `Peerflow runs funded peer-review workflows: templates define stage graphs
with guarded transitions, activities move through them, reviewer teams join
and commit, and escrowed tokens pay out by assessment rank when the award
stage is reached. Leftovers sweep to the configured platform account.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PEERFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(reviewerCmd())
	rootCmd.AddCommand(awardCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(rankingCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- templates ---

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	cmd.AddCommand(templateImportCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	cmd.AddCommand(templateValidateCmd())
	return cmd
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Register a template from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := template.ParseFile(file)
				if err != nil {
					return err
				}
				store := template.NewStore(e.DB)
				t, err := store.Register(ctx, def, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Reviewers", "Pool", "Rewards"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Version, t.ReviewerCount, t.TokenPool, fmt.Sprint(t.RankRewards)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template with its stage graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func templateValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template definition without registering it",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := template.ParseFile(file)
			if err != nil {
				return err
			}
			t := template.Build(def, time.Now())
			if err := template.Validate(t); err != nil {
				var se *domain.StructuralError
				if errors.As(err, &se) {
					for _, p := range se.Problems {
						fmt.Println("-", p)
					}
					return fmt.Errorf("%d problem(s) found", len(se.Problems))
				}
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- activities ---

func activityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "activity", Short: "Manage review activities"}
	cmd.AddCommand(activityCreateCmd())
	cmd.AddCommand(activityListCmd())
	cmd.AddCommand(activityShowCmd())
	cmd.AddCommand(activityActionCmd())
	cmd.AddCommand(activityTriggerCmd())
	cmd.AddCommand(activityForceCmd())
	cmd.AddCommand(activityLogCmd())
	return cmd
}

func activityCreateCmd() *cobra.Command {
	var opts engine.ActivityCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and fund an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				if opts.CreatorID == "" {
					opts.CreatorID = opts.ActorID
				}
				a, err := e.CreateActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "activity id (generated if empty)")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "activity kind")
	cmd.Flags().StringVar(&opts.PaperRef, "paper", "", "paper reference")
	cmd.Flags().StringVar(&opts.CreatorID, "creator", "", "creator user id")
	cmd.Flags().StringVar(&opts.FunderAccount, "funder", "", "funding wallet (defaults to creator)")
	cmd.Flags().Int64Var(&opts.FundingAmount, "amount", 0, "funding amount in tokens")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func activityListCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActivities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Template", "Status", "Funding", "Escrow", "Paid out"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TemplateID, a.Status, a.FundingAmount, a.EscrowBalance, a.PayoutDone})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func activityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <activity-id>",
		Short: "Show an activity with its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, state, err := e.GetActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"activity": a, "stage": state})
			})
		},
	}
}

func activityActionCmd() *cobra.Command {
	var opts engine.ActionOptions
	cmd := &cobra.Command{
		Use:   "action <activity-id>",
		Short: "Record a review, response, assessment or finalize action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActivityID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				if opts.UserID == "" {
					opts.UserID = opts.ActorID
				}
				act, err := e.RecordAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user", "", "acting user (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "action kind: review|response|assessment|finalize")
	cmd.Flags().StringVar(&opts.PayloadJSON, "payload", "", "payload JSON")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func activityTriggerCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "trigger <activity-id>",
		Short: "Fire a manual transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.TriggerTransition(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage key")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func activityForceCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "force <activity-id>",
		Short: "Force a stage jump, bypassing conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.ForceTransition(ctx, args[0], to, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage key")
	cmd.Flags().StringVar(&reason, "reason", "forced", "reason recorded in the state log")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func activityLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <activity-id>",
		Short: "Show stage transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListStateLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Reason"})
				for _, le := range entries {
					tw.AppendRow(table.Row{le.TS, le.FromStage, le.ToStage, le.ActorID, le.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- reviewers ---

func reviewerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reviewer", Short: "Manage reviewer teams"}
	cmd.AddCommand(reviewerJoinCmd())
	cmd.AddCommand(reviewerLockinCmd())
	cmd.AddCommand(reviewerRemoveCmd())
	cmd.AddCommand(reviewerListCmd())
	return cmd
}

func reviewerJoinCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "join <activity-id>",
		Short: "Join the reviewer team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if user == "" {
					user = actor
				}
				m, err := e.JoinReviewer(ctx, args[0], user, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --actor-id)")
	return cmd
}

func reviewerLockinCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "lockin <activity-id>",
		Short: "Lock in a joined reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if user == "" {
					user = actor
				}
				m, err := e.LockInReviewer(ctx, args[0], user, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --actor-id)")
	return cmd
}

func reviewerRemoveCmd() *cobra.Command {
	var user, reason string
	cmd := &cobra.Command{
		Use:   "remove <activity-id>",
		Short: "Remove a reviewer from the team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RemoveReviewer(ctx, args[0], user, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&reason, "reason", "", "removal reason")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func reviewerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <activity-id>",
		Short: "List reviewer memberships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				members, err := r.ListMemberships(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Status", "Joined", "Deadline", "Finalized", "Rank"})
				for _, m := range members {
					deadline := ""
					if m.CommitmentDeadline != nil {
						deadline = *m.CommitmentDeadline
					}
					rank := ""
					if m.FinalRank != nil {
						rank = fmt.Sprint(*m.FinalRank)
					}
					tw.AppendRow(table.Row{m.UserID, m.Status, m.JoinedAt, deadline, m.Finalized, rank})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- awards / ranking ---

func awardCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "award", Short: "Grant assessment points"}
	cmd.AddCommand(awardGrantCmd())
	cmd.AddCommand(awardListCmd())
	return cmd
}

func awardGrantCmd() *cobra.Command {
	var from, to, kind string
	var points int
	cmd := &cobra.Command{
		Use:   "grant <activity-id>",
		Short: "Grant points from one reviewer to another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if from == "" {
					from = actor
				}
				award, err := e.GrantAward(ctx, args[0], from, to, kind, points, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(award)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "granting reviewer (defaults to --actor-id)")
	cmd.Flags().StringVar(&to, "to", "", "receiving reviewer")
	cmd.Flags().StringVar(&kind, "kind", "assessment", "award kind")
	cmd.Flags().IntVar(&points, "points", 0, "points to grant")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func awardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <activity-id>",
		Short: "List granted points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				awards, err := r.ListAwards(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(awards)
			})
		},
	}
}

func rankingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ranking", Short: "Reviewer rankings"}
	show := &cobra.Command{
		Use:   "show <activity-id>",
		Short: "Show the current reviewer ranking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ranked, err := e.Ranking(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "User", "Points", "Reward", "Paid"})
				for _, r := range ranked {
					tw.AppendRow(table.Row{r.Rank, r.UserID, r.Points, r.Reward, r.Paid})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(show)
	return cmd
}

// --- wallets ---

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Manage token wallets"}
	cmd.AddCommand(walletOpenCmd())
	cmd.AddCommand(walletShowCmd())
	cmd.AddCommand(walletCreditCmd())
	cmd.AddCommand(walletDeductCmd())
	cmd.AddCommand(walletEntriesCmd())
	return cmd
}

func walletOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <account-id>",
		Short: "Open a user wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Ledger.OpenAccount(ctx, args[0], domain.AccountUser)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func walletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show a wallet balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func walletCreditCmd() *cobra.Command {
	var amount int64
	var note string
	cmd := &cobra.Command{
		Use:   "credit <account-id>",
		Short: "Mint tokens into a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Ledger.Credit(ctx, args[0], amount, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to credit")
	cmd.Flags().StringVar(&note, "note", "", "ledger note")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func walletDeductCmd() *cobra.Command {
	var amount int64
	var note string
	cmd := &cobra.Command{
		Use:   "deduct <account-id>",
		Short: "Charge a fee to the platform account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Ledger.ChargeFee(ctx, args[0], e.Config.Platform.AccountID, amount, note, viper.GetString("actor-id")); err != nil {
					return err
				}
				a, err := e.Repo.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "fee amount")
	cmd.Flags().StringVar(&note, "note", "", "ledger note")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func walletEntriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "entries <account-id>",
		Short: "List ledger entries for a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListLedgerEntries(ctx, repo.LedgerFilters{AccountID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Amount", "Category", "Activity", "Note"})
				for _, le := range entries {
					activity := ""
					if le.ActivityID != nil {
						activity = *le.ActivityID
					}
					tw.AppendRow(table.Row{le.TS, le.Amount, le.Category, activity, le.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

// --- maintenance ---

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sweep", Short: "Deadline and commitment sweeps"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Run both sweeps once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				removed, err := e.SweepCommitments(ctx, actor)
				if err != nil {
					return err
				}
				moved, err := e.SweepDeadlines(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"commitments_removed": removed,
					"activities_moved":    moved,
				})
			})
		},
	}
	cmd.AddCommand(run)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, activityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, activityID, evtType, "", "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity filter")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				active, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{Status: domain.ActivityActive})
				if err != nil {
					return err
				}
				completed, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{Status: domain.ActivityCompleted})
				if err != nil {
					return err
				}
				schema, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"platform_account": e.Config.Platform.AccountID,
					"active":           len(active),
					"completed":        len(completed),
					"schema_version":   schema,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Platform account: %s (schema v%d)\n", e.Config.Platform.AccountID, schema)
				fmt.Printf("Activities: %d active, %d completed\n", len(active), len(completed))
				for _, a := range active {
					state, err := e.Repo.GetStageState(ctx, a.ID)
					if err != nil {
						return err
					}
					fmt.Printf("  %s: stage %s, escrow %d\n", a.ID, state.StageKey, a.EscrowBalance)
				}
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default peerflow.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name, roles string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "pfk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					Roles:     roles,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// the secret is shown once and never stored
				return printJSONOrTable(map[string]any{"id": key.ID, "key": secret, "roles": key.Roles})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles (e.g. admin)")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("PEERFLOW_JWT_SECRET"),
				AllowActorHeader: cfg.Auth.AllowActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("PEERFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				Templates: template.NewStore(conn),
				BasePath:  basePath,
				Auth:      authCfg,
			})
			if err != nil {
				return err
			}
			stop, err := server.StartBackground(e)
			if err != nil {
				return err
			}
			defer stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Peerflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
