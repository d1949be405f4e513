package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"giftflow/internal/config"
	"giftflow/internal/crm"
	"giftflow/internal/db"
	"giftflow/internal/domain"
	"giftflow/internal/intake"
	"giftflow/internal/journal"
	"giftflow/internal/ledger"
	"giftflow/internal/migrate"
	"giftflow/internal/promotion"
	"giftflow/internal/receipt"
	"giftflow/internal/server"
	"giftflow/internal/staging"
)

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Giftflow CLI",
	Long: `Giftflow stages incoming donations and promotes them into the gift ledger.
Core concepts:
- Workspace: your .giftflow directory holding the local audit journal; giftflow.yml next to it configures the upstream CRM.
- Staging record: one donation waiting for review, living in the remote staging collection with a promotion status.
- Promotion: the exactly-once commit of a staged donation into the gift ledger; a record that already carries a gift id is never committed twice.
- Receipts: policy, channel, and dedupe key are resolved just before commit from config and the staged payload.
- Reconciliation: 'gf reconcile stuck' reports records sitting in committing after a crash; it never mutates them.
- Journal: local append-only audit trail, view with 'gf journal tail'.`,
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
	viper.SetEnvPrefix("GIFTFLOW")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(stagingCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(serveCmd())
}

// pipeline is the wired set of components the commands delegate to.
type pipeline struct {
	Config   *config.Config
	Store    *staging.Store
	Intake   *intake.Service
	Promoter *promotion.Orchestrator
	Reader   *journal.Reader
	Writer   *journal.Writer
}

func withPipeline(ctx context.Context, fn func(context.Context, *pipeline) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
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
	client := crm.New(cfg.CRM, nil)
	store := staging.NewStore(client)
	writer := journal.NewWriter(conn, nil)
	promoter := promotion.New(store, ledger.NewGifts(client), ledger.NewAgreements(client),
		receipt.New(cfg.Receipts, nil), cfg.Promotion, nil)
	promoter.Journal = writer
	svc := intake.New(store, promoter, cfg.Staging, nil)
	svc.Journal = writer
	return fn(ctx, &pipeline{
		Config:   cfg,
		Store:    store,
		Intake:   svc,
		Promoter: promoter,
		Reader:   journal.NewReader(conn),
		Writer:   writer,
	})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage giftflow.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default giftflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate giftflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func stagingCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "staging",
		Short: "Manage staging records",
		Long:  "Staging records are donations waiting for review. They flow pending -> ready_for_commit -> committing -> committed; commit_failed records stay editable and retryable.",
	}
	st.AddCommand(stagingCreateCmd())
	st.AddCommand(stagingShowCmd())
	st.AddCommand(stagingListCmd())
	st.AddCommand(stagingSetStatusCmd())
	st.AddCommand(stagingPromoteCmd())
	st.AddCommand(stagingImportCmd())
	return st
}

func stagingCreateCmd() *cobra.Command {
	var d intake.ManualDonation
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Stage a manually entered donation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				outcome, err := p.Intake.Manual(ctx, d, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&d.DonorID, "donor-id", "", "donor reference")
	cmd.Flags().StringVar(&d.CompanyID, "company-id", "", "company reference")
	cmd.Flags().Int64Var(&d.AmountMinor, "amount-minor", 0, "amount in minor units")
	cmd.Flags().Float64Var(&d.AmountMajor, "amount-major", 0, "amount in major units")
	cmd.Flags().StringVar(&d.CurrencyCode, "currency", "", "ISO currency code")
	cmd.Flags().StringVar(&d.FundID, "fund-id", "", "fund reference")
	cmd.Flags().StringVar(&d.AppealID, "appeal-id", "", "appeal reference")
	cmd.Flags().StringVar(&d.SegmentID, "segment-id", "", "segment reference")
	cmd.Flags().StringVar(&d.GiftDate, "gift-date", "", "gift date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&d.RecurringAgreementID, "agreement-id", "", "recurring agreement reference")
	cmd.Flags().StringVar(&d.ExpectedAt, "expected-at", "", "next expected installment (RFC3339)")
	cmd.Flags().StringVar(&d.ReceiptPolicy, "receipt-policy", "", "explicit receipt policy")
	cmd.Flags().BoolVar(&d.InKind, "in-kind", false, "in-kind donation")
	cmd.Flags().BoolVar(&d.Grant, "grant", false, "grant payment")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func stagingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a staging record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				rec, err := p.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	return cmd
}

func stagingListCmd() *cobra.Command {
	var status, batch, source, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staging records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				query := url.Values{}
				if status != "" {
					query.Set("promotionStatus", status)
				}
				if batch != "" {
					query.Set("stagingBatchId", batch)
				}
				if source != "" {
					query.Set("intakeSource", source)
				}
				if limit > 0 {
					query.Set("limit", strconv.Itoa(limit))
				}
				if cursor != "" {
					query.Set("after", cursor)
				}
				page, err := p.Store.List(ctx, query)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				printStagingTable(page.Records)
				if page.HasNextPage && page.EndCursor != "" {
					fmt.Printf("more: --cursor %s\n", page.EndCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "promotion status filter")
	cmd.Flags().StringVar(&batch, "batch", "", "staging batch filter")
	cmd.Flags().StringVar(&source, "source", "", "intake source filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	return cmd
}

func stagingSetStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Set a record's promotion status",
		Long:  "Reviewers may move a record between pending and ready_for_commit. The committing, committed, and commit_failed statuses belong to the promotion pipeline.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.PromotionStatus(args[1])
			switch status {
			case domain.PromotionPending, domain.PromotionReadyForCommit:
			default:
				return fmt.Errorf("status must be %s or %s", domain.PromotionPending, domain.PromotionReadyForCommit)
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				rec, err := p.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if rec.PromotionStatus == domain.PromotionCommitted || rec.PromotionStatus == domain.PromotionCommitting {
					return fmt.Errorf("record %s is %s and can no longer be edited", rec.ID, rec.PromotionStatus)
				}
				if err := p.Store.Patch(ctx, args[0], map[string]any{"promotionStatus": string(status)}); err != nil {
					return err
				}
				updated, err := p.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	return cmd
}

func stagingPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Promote a staging record into the gift ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				res, err := p.Promoter.Promote(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Status {
				case domain.ResultCommitted:
					fmt.Printf("committed: gift %s\n", res.GiftID)
				case domain.ResultDeferred:
					fmt.Printf("deferred: %s\n", res.Reason)
				default:
					fmt.Printf("failed: %s\n", res.Code)
				}
				return nil
			})
		},
	}
	return cmd
}

func stagingImportCmd() *cobra.Command {
	var source, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Stage a batch of donations from a JSON file",
		Long:  "The file holds a JSON array of rows with externalId, donorId or companyId, amountMinor, currencyCode, and optional fundId, appealId, giftDate. Row failures are reported; one bad row does not abort the batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--source required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rows []intake.ImportRow
			if err := json.Unmarshal(data, &rows); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				outcomes, failures := p.Intake.Import(ctx, source, rows, viper.GetString("actor-id"))
				out := map[string]any{"staged": outcomes}
				if len(failures) > 0 {
					msgs := make([]string, 0, len(failures))
					for _, f := range failures {
						msgs = append(msgs, f.Error())
					}
					out["failures"] = msgs
				}
				if err := printJSON(out); err != nil {
					return err
				}
				if len(failures) > 0 {
					return fmt.Errorf("%d of %d rows failed", len(failures), len(rows))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "import source name")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with rows")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func reconcileCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconciliation reports",
	}
	rec.AddCommand(reconcileStuckCmd())
	return rec
}

func reconcileStuckCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "Report records stuck in committing",
		Long:  "A crash between marking committing and reaching a terminal status leaves a record in committing forever. This lists them for an operator; it never mutates anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				stuck, err := p.Promoter.ListStuck(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stuck)
				}
				if len(stuck) == 0 {
					fmt.Println("no stuck records")
					return nil
				}
				printStagingTable(stuck)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum time in committing")
	return cmd
}

func journalCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the local audit journal",
	}
	j.AddCommand(journalTailCmd())
	return j
}

func journalTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
				events, err := p.Reader.Tail(ctx, n, after)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Staging", "Gift", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.StagingID, evt.GiftID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
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
			client := crm.New(cfg.CRM, nil)
			store := staging.NewStore(client)
			writer := journal.NewWriter(conn, nil)
			promoter := promotion.New(store, ledger.NewGifts(client), ledger.NewAgreements(client),
				receipt.New(cfg.Receipts, nil), cfg.Promotion, nil)
			promoter.Journal = writer
			svc := intake.New(store, promoter, cfg.Staging, nil)
			svc.Journal = writer

			if addr == "" {
				addr = cfg.Server.Listen
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{App: server.App{
				Intake:   svc,
				Promoter: promoter,
				Stagings: store,
				Journal:  journal.NewReader(conn),
				Events:   writer,
				Config:   cfg,
			}, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Giftflow API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func printStagingTable(records []domain.StagingRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Amount", "Currency", "Donor", "Source", "Gift"})
	for _, rec := range records {
		donor := rec.DonorID
		if donor == "" {
			donor = rec.CompanyID
		}
		tw.AppendRow(table.Row{
			rec.ID, rec.PromotionStatus,
			fmt.Sprintf("%.2f", float64(rec.AmountMinor)/100), rec.CurrencyCode,
			donor, rec.IntakeSource, rec.GiftID,
		})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
