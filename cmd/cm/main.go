package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crowdmirror/internal/app"
	"crowdmirror/internal/client"
	"crowdmirror/internal/config"
	"crowdmirror/internal/domain"
	"crowdmirror/internal/mirror"
	"crowdmirror/internal/notify"
	"crowdmirror/internal/requestlog"
)

var rootCmd = &cobra.Command{
	Use:   "cm",
	Short: "Crowdmirror CLI",
	Long: `Crowdmirror publishes work to a crowd-labor marketplace and keeps a local
mirror of everything it learns, so repeated lookups cost nothing and the
rate-limited remote is only consulted when state may actually have moved.
- Work unit types group units that share reward, instructions and worker
  qualifications.
- Work units are the individual postings workers accept and answer.
- Assignments are one worker's submitted response, approved or rejected
  locally and on the remote in lockstep.
- The mirror database lives under the configured data_dir, one file per
  account and service so sandbox and production state never mix.`,
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
	viper.SetEnvPrefix("CROWDMIRROR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(typeCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(bonusCmd())
	rootCmd.AddCommand(qualCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(accountID)), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; fill in account.key before first use\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account-id", "", "marketplace account id")
	_ = cmd.MarkFlagRequired("account-id")
	return cmd
}

func syncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the mirror with the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ran, err := a.Client.SuggestSync(ctx, force)
				if err != nil {
					return err
				}
				if !ran {
					fmt.Println("sync skipped: last run is recent enough (use --force)")
					return nil
				}
				fmt.Println("sync complete")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "sync even if one ran recently")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Client.AccountBalance(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%.2f %s\n", p.Amount, p.Currency)
				return nil
			})
		},
	}
}

func typeCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "type",
		Short: "Manage work unit types",
		Long:  "A type fixes the reward, time limit, keywords and qualification requirements shared by its work units. Registering the same parameters twice yields the same type.",
	}
	t.AddCommand(typeListCmd())
	t.AddCommand(typeCreateCmd())
	return t
}

func typeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mirrored types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Client.Store().ListWorkUnitTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Reward", "Time limit", "Preview"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, fmt.Sprintf("%.2f %s", t.Reward.Amount, t.Reward.Currency), t.TimeLimit, a.Client.PreviewURL(t.ID)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func typeCreateCmd() *cobra.Command {
	var p client.TypeParams
	var keywords []string
	var timeLimitSecs, autopaySecs int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a work unit type",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Keywords = keywords
			p.TimeLimit = time.Duration(timeLimitSecs) * time.Second
			p.AutopayDelay = time.Duration(autopaySecs) * time.Second
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Client.CreateWorkUnitType(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "title shown to workers")
	cmd.Flags().StringVar(&p.Description, "description", "", "description shown to workers")
	cmd.Flags().Float64Var(&p.Reward.Amount, "reward", 0, "reward per assignment (config default if 0)")
	cmd.Flags().IntVar(&timeLimitSecs, "time-limit-secs", 0, "working time per assignment")
	cmd.Flags().IntVar(&autopaySecs, "autopay-secs", 0, "automatic approval delay")
	cmd.Flags().StringArrayVar(&keywords, "keyword", nil, "search keyword (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func unitCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "unit",
		Short: "Manage work units",
	}
	u.AddCommand(unitListCmd())
	u.AddCommand(unitShowCmd())
	u.AddCommand(unitCreateCmd())
	u.AddCommand(unitExtendCmd())
	u.AddCommand(unitExpireCmd())
	u.AddCommand(unitExpireAllCmd())
	u.AddCommand(unitReviewableCmd())
	return u
}

func unitListCmd() *cobra.Command {
	var q client.UnitQuery
	var titlePattern, since, until string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrored work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			if titlePattern != "" {
				re, err := regexp.Compile(titlePattern)
				if err != nil {
					return fmt.Errorf("invalid --title pattern: %w", err)
				}
				q.Title = re
			}
			var err error
			if q.Since, err = parseDay(since); err != nil {
				return err
			}
			if q.Until, err = parseDay(until); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				units, err := a.Client.WorkUnits(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Done", "Pending", "Open", "Expires"})
				for _, u := range units {
					tw.AppendRow(table.Row{u.ID, u.TypeID, u.Status, u.NumCompleted, u.NumPending, u.NumAvailable, u.Expiration().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.TypeID, "type", "", "type id filter")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&titlePattern, "title", "", "type title regexp filter")
	cmd.Flags().StringVar(&since, "since", "", "created on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "created before (YYYY-MM-DD)")
	return cmd
}

func unitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Client.GetWorkUnit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
}

func unitCreateCmd() *cobra.Command {
	var typeID, questionFile, annotation, token string
	var maxAssignments, lifetimeSecs int
	var newToken bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a work unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := os.ReadFile(questionFile)
			if err != nil {
				return err
			}
			var opts []client.UnitOption
			if annotation != "" {
				opts = append(opts, client.WithAnnotation(annotation))
			}
			if maxAssignments > 0 {
				opts = append(opts, client.WithMaxAssignments(maxAssignments))
			}
			if lifetimeSecs > 0 {
				opts = append(opts, client.WithLifetime(time.Duration(lifetimeSecs)*time.Second))
			}
			if token != "" {
				opts = append(opts, client.WithRequestToken(token))
			} else if newToken {
				opts = append(opts, client.WithNewRequestToken())
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Client.CreateWorkUnit(ctx, typeID, string(question), opts...)
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "work unit type id")
	cmd.Flags().StringVar(&questionFile, "question-file", "", "path to the question XML")
	cmd.Flags().StringVar(&annotation, "annotation", "", "requester-private annotation")
	cmd.Flags().IntVar(&maxAssignments, "max-assignments", 0, "assignment slots (config default if 0)")
	cmd.Flags().IntVar(&lifetimeSecs, "lifetime-secs", 0, "posting lifetime (config default if 0)")
	cmd.Flags().StringVar(&token, "request-token", "", "idempotency token")
	cmd.Flags().BoolVar(&newToken, "new-request-token", false, "generate an idempotency token")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("question-file")
	return cmd
}

func unitExtendCmd() *cobra.Command {
	var addAssignments, addLifetimeSecs int
	cmd := &cobra.Command{
		Use:   "extend <id>",
		Short: "Add slots or lifetime to a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Client.ExtendWorkUnit(ctx, args[0], addAssignments, time.Duration(addLifetimeSecs)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().IntVar(&addAssignments, "add-assignments", 0, "extra assignment slots")
	cmd.Flags().IntVar(&addLifetimeSecs, "add-lifetime-secs", 0, "extra lifetime")
	return cmd
}

func unitExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire <id>",
		Short: "Force-expire a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Client.ForceExpire(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
}

func unitExpireAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-all",
		Short: "Force-expire every unit still accepting work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Client.ExpireAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d work units\n", n)
				return nil
			})
		},
	}
}

func unitReviewableCmd() *cobra.Command {
	var typeID string
	cmd := &cobra.Command{
		Use:   "reviewable",
		Short: "List units of a type that are ready for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				units, err := a.Client.ReviewableWorkUnits(ctx, typeID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(units)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "work unit type id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assignment",
		Short: "Review submitted assignments",
	}
	a.AddCommand(assignmentListCmd())
	a.AddCommand(assignmentApproveCmd())
	a.AddCommand(assignmentRejectCmd())
	a.AddCommand(assignmentAnswersCmd())
	return a
}

func assignmentListCmd() *cobra.Command {
	var unitID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a work unit's assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Client.AssignmentsForWorkUnit(ctx, unitID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Worker", "Status", "Submitted"})
				for _, as := range items {
					tw.AppendRow(table.Row{as.ID, as.WorkerID, as.Status, as.SubmitTime.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unitID, "unit", "", "work unit id")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func assignmentApproveCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Client.Approve(ctx, args[0], feedback)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "message to the worker")
	return cmd
}

func assignmentRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Client.Reject(ctx, args[0], feedback)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "message to the worker")
	return cmd
}

func assignmentAnswersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answers <id>",
		Short: "Show an assignment's answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				answers, err := a.Client.Answers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(answers)
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}
	w.AddCommand(workerBlockCmd())
	w.AddCommand(workerUnblockCmd())
	w.AddCommand(workerBlocksCmd())
	w.AddCommand(workerNotifyCmd())
	return w
}

func workerBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <worker-id>",
		Short: "Block a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Client.BlockWorker(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason, shown to the worker")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func workerUnblockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "unblock <worker-id>",
		Short: "Unblock a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Client.UnblockWorker(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the record")
	return cmd
}

func workerBlocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List blocked workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				blocks, err := a.Client.WorkerBlocks(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(blocks)
			})
		},
	}
}

func workerNotifyCmd() *cobra.Command {
	var subject, text string
	cmd := &cobra.Command{
		Use:   "notify <worker-id>...",
		Short: "Email workers through the marketplace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Client.NotifyWorkers(ctx, args, subject, text)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&text, "text", "", "message body")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func bonusCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bonus",
		Short: "Grant and list bonuses",
	}
	b.AddCommand(bonusGrantCmd())
	b.AddCommand(bonusListCmd())
	return b
}

func bonusGrantCmd() *cobra.Command {
	var assignmentID, workerID, reason string
	var amount float64
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Pay a worker a bonus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Client.GrantBonus(ctx, assignmentID, workerID, domain.Price{Amount: amount}, reason)
			})
		},
	}
	cmd.Flags().StringVar(&assignmentID, "assignment", "", "assignment id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().Float64Var(&amount, "amount", 0, "bonus amount")
	cmd.Flags().StringVar(&reason, "reason", "", "reason, shown to the worker")
	_ = cmd.MarkFlagRequired("assignment")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func bonusListCmd() *cobra.Command {
	var f mirror.BonusFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List granted bonuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Client.Bonuses(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker id filter")
	cmd.Flags().StringVar(&f.AssignmentID, "assignment", "", "assignment id filter")
	return cmd
}

func qualCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "qual",
		Short: "Manage qualification types",
	}
	q.AddCommand(qualListCmd())
	return q
}

func qualListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the account's qualification types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Client.QualificationTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Auto"})
				for _, qt := range items {
					tw.AppendRow(table.Row{qt.ID, qt.Name, qt.Status, qt.AutoGranted})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Request log",
		Long:  "Every remote call made with verbose enabled is recorded here, minus credentials.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent remote calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := requestlog.Writer{DB: a.DB}.Recent(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Operation", "Error"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS.Format(time.RFC3339), e.Operation, e.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, typeID, destination string
	var events []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive marketplace event notifications",
		Long:  "Starts the notification endpoint and, when --type is given, registers it with the marketplace for that type's events. Each delivery nudges a sync so the mirror catches up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if typeID != "" {
					if destination == "" {
						return fmt.Errorf("--destination required when registering with --type")
					}
					if err := a.Client.RegisterNotifications(ctx, typeID, destination, events); err != nil {
						return err
					}
					fmt.Printf("Registered %s events for type %s -> %s\n", strings.Join(events, ","), typeID, destination)
				}
				handler := notify.New(notify.Config{Handler: a.Client, Log: a.Log})
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Listening for notifications on http://%s/events\n", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&typeID, "type", "", "work unit type to register notifications for")
	cmd.Flags().StringVar(&destination, "destination", "", "public URL of this endpoint's /events path")
	cmd.Flags().StringArrayVar(&events, "event", nil, "event type to subscribe (repeatable, default all)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrIndent(v any) error {
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

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}
