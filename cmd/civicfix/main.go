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
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicfix/internal/app"
	"civicfix/internal/config"
	"civicfix/internal/db"
	"civicfix/internal/domain"
	"civicfix/internal/engine"
	"civicfix/internal/logging"
	"civicfix/internal/migrate"
	"civicfix/internal/repo"
	"civicfix/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "civicfix",
	Short: "CivicFix CLI",
	Long: `CivicFix tracks neighborhood repair reports from first complaint to verified fix.
- Reports: citizens file issues (potholes, broken wiring, blocked drains) with a
  repair category, ward and urgency; they flow pending -> in_progress -> resolved,
  with rejected as the admin's exit door.
- Volunteers: skilled helpers registered per repair category; an empty
  specialized-fields list means they take any job in their categories.
- Assignments: an admin matches one volunteer team to one open report at a time;
  the volunteer marks the work finished, then an admin verifies it, which
  resolves the report.
- Event log: a diary of every change, view it with 'civicfix log tail'.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("CIVICFIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(volunteerCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(taxonomyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issue reports",
		Long:  "Reports flow pending -> in_progress -> resolved; rejected is the terminal exit an admin can take at any point before resolution.",
	}
	issue.AddCommand(issueReportCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueRejectCmd())
	issue.AddCommand(issueCommentCmd())
	issue.AddCommand(issueCommentsCmd())
	return issue
}

func issueReportCmd() *cobra.Command {
	var opts engine.IssueReportOptions
	var urgency string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ReporterID = viper.GetString("actor-id")
			opts.Urgency = domain.Urgency(urgency)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.ReportIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "short summary")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what is broken")
	cmd.Flags().StringVar(&opts.Category, "category", "", "repair category")
	cmd.Flags().StringVar(&opts.Location, "location", "", "street address or landmark")
	cmd.Flags().StringVar(&opts.WardNumber, "ward", "", "ward number")
	cmd.Flags().StringVar(&urgency, "urgency", "medium", "low, medium, high or critical")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("ward")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Ward", "Urgency", "Status"})
				for _, i := range issues {
					tw.AppendRow(table.Row{i.ID, i.Title, i.Category, i.WardNumber, i.Urgency, i.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.ReporterID, "reporter", "", "reporter filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "text search over title, description, location and ward")
	cmd.Flags().StringVar(&f.CreatedAfter, "created-after", "", "only issues reported at or after this RFC3339 time")
	cmd.Flags().StringVar(&f.CreatedBefore, "created-before", "", "only issues reported at or before this RFC3339 time")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.Repo.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				assignments, err := e.Repo.ListAssignmentsByIssue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"issue":       issue,
					"assignments": assignments,
				})
			})
		},
	}
	return cmd
}

func issueRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.RejectIssue(ctx, id, actor)
				if err != nil {
					return err
				}
				if reason != "" {
					if _, err := e.AppendComment(ctx, id, actor, reason); err != nil {
						return err
					}
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "optional rejection note added as a comment")
	return cmd
}

func issueCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Comment on an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AppendComment(ctx, id, viper.GetString("actor-id"), text)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func issueCommentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments <id>",
		Short: "List issue comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				comments, err := e.Repo.ListComments(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(comments)
			})
		},
	}
	return cmd
}

func volunteerCmd() *cobra.Command {
	vol := &cobra.Command{
		Use:   "volunteer",
		Short: "Manage volunteers",
		Long:  "Volunteers declare skills (repair categories) and optional specialized fields within them; an empty specialized-fields list means they accept any field of their categories.",
	}
	vol.AddCommand(volunteerCreateCmd())
	vol.AddCommand(volunteerListCmd())
	vol.AddCommand(volunteerShowCmd())
	vol.AddCommand(volunteerUpdateCmd())
	vol.AddCommand(volunteerDeleteCmd())
	return vol
}

func volunteerFlags(cmd *cobra.Command, opts *engine.VolunteerOptions) {
	cmd.Flags().StringVar(&opts.Name, "name", "", "volunteer name")
	cmd.Flags().StringArrayVar(&opts.Skills, "skill", []string{}, "repair category (repeatable)")
	cmd.Flags().StringArrayVar(&opts.SpecializedFields, "field", []string{}, "specialized field (repeatable, empty = generalist)")
	cmd.Flags().StringVar(&opts.Availability, "availability", "", "availability note")
	cmd.Flags().StringVar(&opts.Contact, "contact", "", "contact info")
}

func volunteerCreateCmd() *cobra.Command {
	var opts engine.VolunteerOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a volunteer",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateVolunteer(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	volunteerFlags(cmd, &opts)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func volunteerListCmd() *cobra.Command {
	var category, field string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List volunteers, optionally by skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVolunteersBySkill(ctx, category, field)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Skills", "Specialized Fields", "Availability"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.Name, strings.Join(v.Skills, ", "), strings.Join(v.SpecializedFields, ", "), v.Availability})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "repair category filter")
	cmd.Flags().StringVar(&field, "field", "", "specialized field filter (requires --category)")
	return cmd
}

func volunteerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show volunteer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetVolunteer(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func volunteerUpdateCmd() *cobra.Command {
	var opts engine.VolunteerOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update volunteer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.UpdateVolunteer(ctx, id, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	volunteerFlags(cmd, &opts)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

func volunteerDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete volunteer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteVolunteer(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assignment",
		Short: "Manage volunteer assignments",
		Long:  "One active assignment per report. The volunteer marks it complete, then an admin verifies, which resolves the report.",
	}
	a.AddCommand(assignmentCreateCmd())
	a.AddCommand(assignmentListCmd())
	a.AddCommand(assignmentShowCmd())
	a.AddCommand(assignmentCompleteCmd())
	a.AddCommand(assignmentVerifyCmd())
	return a
}

func assignmentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <issue-id>",
		Short: "List assignments recorded for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignmentsByIssue(ctx, issueID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Field", "Volunteer", "Completed", "Superseded"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Category, a.Field, a.MainVolunteerID, a.VolunteerCompleted, a.Superseded})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func assignmentCreateCmd() *cobra.Command {
	var opts engine.AssignmentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a volunteer team to an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAssignment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.IssueID, "issue", "", "issue id")
	cmd.Flags().StringVar(&opts.Category, "category", "", "repair category")
	cmd.Flags().StringVar(&opts.Field, "field", "", "specialized field")
	cmd.Flags().StringVar(&opts.MainVolunteerID, "volunteer", "", "main volunteer id")
	cmd.Flags().IntVar(&opts.SubVolunteersCount, "sub-volunteers", 0, "size of the supporting crew")
	cmd.Flags().StringVar(&opts.WorkDescription, "work", "", "work description")
	cmd.Flags().StringVar(&opts.EstimatedCompletionDate, "eta", "", "estimated completion date (RFC3339)")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("volunteer")
	_ = cmd.MarkFlagRequired("eta")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAssignment(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assignmentCompleteCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark assignment work finished (volunteer side)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.MarkVolunteerComplete(ctx, id, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes; used as the issue resolution on verify")
	return cmd
}

func assignmentVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Verify finished work and resolve the issue (admin side)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.VerifyAndComplete(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func taxonomyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Show repair categories and fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tbl := e.Config.Table()
				if viper.GetBool("json") {
					return printJSON(tbl)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Fields"})
				for _, cat := range tbl.Categories() {
					tw.AppendRow(table.Row{cat, strings.Join(tbl.FieldsFor(cat), ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Issue and assignment counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter civicfix.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
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
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Role management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Auth.ActorRoles(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id": viper.GetString("actor-id"),
					"roles":    roles,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, target, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id (admin, citizen, volunteer)")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "cfx_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, actor, key.CreatedAt); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is printed once; only its hash is stored.
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := jwtSecret()
			if secret == "" {
				return fmt.Errorf("CIVICFIX_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject actor id (defaults to --actor-id)")
	cmd.Flags().StringArrayVar(&roles, "role", []string{}, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wsDir, err := db.EnsureWorkspace(workspace)
			if err != nil {
				return err
			}
			if err := logging.Init(filepath.Join(wsDir, "logs"), verbose); err != nil {
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := app.Bootstrap(cmd.Context(), conn, cfg); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				Logger:                 logging.Logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CIVICFIX_JWT_SECRET is required for bearer auth")
			}
			if basePath == "" {
				basePath = cfg.Service.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			logging.Logger.WithField("addr", addr).Info("serving CivicFix API")
			fmt.Printf("Serving CivicFix API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "duplicate logs to stderr")
	return cmd
}

// --- helpers ---

func jwtSecret() string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return os.Getenv("CIVICFIX_JWT_SECRET")
}

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if err := app.Bootstrap(ctx, conn, cfg); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
