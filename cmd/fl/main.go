package main

import (
	"bufio"
	"context"
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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/ai"
	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/instructions"
	"forgeline/internal/migrate"
	"forgeline/internal/packaging"
	"forgeline/internal/repo"
	"forgeline/internal/server"
	"forgeline/internal/stage"
	"forgeline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline runs an AI development pipeline with a human approval gate
between every phase.
- Workspace: your .forgeline directory holding the database; configs live in
  the DB and are imported explicitly.
- Pipeline: requirements -> planning -> stories -> codegen. Each phase reads
  only approved upstream output and ends in a pending review.
- Reviews: nothing advances without 'fl review approve'. Rejections need
  feedback so the next attempt has something to work with.
- Stories: editable while draft, frozen once approved.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.CreateProject(ctx, r, id, desc, nil, viper.GetString("actor-id")); err != nil {
					return err
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				p, err := c.Repo.GetProject(ctx, c.Stages.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FORGELINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set FORGELINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				return printJSONOrTable(c.Stages.Config)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default forgeline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Run and inspect pipeline stages"}
	st.AddCommand(stageGenerateCmd())
	st.AddCommand(stageListCmd())
	st.AddCommand(stageStatusCmd())
	st.AddCommand(stageResultsCmd())
	st.AddCommand(stageCanProceedCmd())
	return st
}

func stageGenerateCmd() *cobra.Command {
	var stageType, desc, prefs, reqID, planID, storiesID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a pipeline stage and submit it for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				st, err := c.Stages.Generate(ctx, stage.GenerateOptions{
					ProjectID:      c.Stages.Config.Project.ID,
					Type:           domain.StageType(stageType),
					Description:    desc,
					Preferences:    prefs,
					RequirementsID: reqID,
					PlanningID:     planID,
					StoriesID:      storiesID,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&stageType, "type", "", "stage type (requirements, planning, stories, codegen)")
	cmd.Flags().StringVar(&desc, "description", "", "project description (requirements stage)")
	cmd.Flags().StringVar(&prefs, "preferences", "", "style and technology preferences")
	cmd.Flags().StringVar(&reqID, "requirements-id", "", "approved requirements stage id")
	cmd.Flags().StringVar(&planID, "planning-id", "", "approved planning stage id")
	cmd.Flags().StringVar(&storiesID, "stories-id", "", "approved stories stage id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func stageListCmd() *cobra.Command {
	var stageType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				items, err := c.Repo.ListStages(ctx, repo.StageFilters{
					ProjectID: c.Stages.Config.Project.ID,
					Type:      stageType,
					Status:    status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Review", "Updated"})
				for _, s := range items {
					review := ""
					if s.ReviewID != nil {
						review = *s.ReviewID
					}
					tw.AppendRow(table.Row{s.ID, s.Type, s.Status, review, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageType, "type", "", "stage type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func stageStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <stage-id>",
		Short: "Show a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				st, err := c.Stages.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func stageResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <stage-id>",
		Short: "Show stage results (content, stories or code artifacts)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				res, err := c.Stages.GetResults(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func stageCanProceedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can-proceed <stage-id>",
		Short: "Whether downstream stages may gate on this stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				ok, err := c.Stages.CanProceed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"stage_id": args[0], "can_proceed": ok})
			})
		},
	}
}

func storyCmd() *cobra.Command {
	st := &cobra.Command{Use: "story", Short: "Edit stories and generate prompts"}
	st.AddCommand(storyUpdateCmd())
	st.AddCommand(storyPromptCmd())
	return st
}

func storyUpdateCmd() *cobra.Command {
	var title, desc, priority, status, criteria, tags string
	var points int
	cmd := &cobra.Command{
		Use:   "update <story-id>",
		Short: "Update a draft story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				upd := stage.StoryUpdate{StoryID: args[0], ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("title") {
					upd.Title = &title
				}
				if cmd.Flags().Changed("description") {
					upd.Description = &desc
				}
				if cmd.Flags().Changed("priority") {
					upd.Priority = &priority
				}
				if cmd.Flags().Changed("status") {
					upd.Status = &status
				}
				if cmd.Flags().Changed("points") {
					upd.StoryPoints = &points
				}
				if cmd.Flags().Changed("criteria") {
					list := splitCSV(criteria)
					upd.AcceptanceCriteria = &list
				}
				if cmd.Flags().Changed("tags") {
					list := splitCSV(tags)
					upd.Tags = &list
				}
				story, err := c.Stages.UpdateStory(ctx, upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(story)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "story title")
	cmd.Flags().StringVar(&desc, "description", "", "story description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&status, "status", "", "status (draft, approved, rejected)")
	cmd.Flags().IntVar(&points, "points", 0, "story points")
	cmd.Flags().StringVar(&criteria, "criteria", "", "comma-separated acceptance criteria")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags")
	return cmd
}

func storyPromptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <story-id>",
		Short: "Generate a coding prompt from a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				p, err := c.Stages.GenerateStoryPrompt(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{Use: "review", Short: "Approve or reject pending reviews"}
	rv.AddCommand(reviewListCmd())
	rv.AddCommand(reviewShowCmd())
	rv.AddCommand(reviewApproveCmd())
	rv.AddCommand(reviewRejectCmd())
	return rv
}

func reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				items, err := c.Gate.ListPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Project", "Submitted"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.ServiceName, r.ProjectID, r.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show a review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				rv, err := c.Gate.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
}

func reviewApproveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <review-id>",
		Short: "Approve a pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				rv, err := c.Resolve(ctx, args[0], true, domain.Decision{Reason: reason}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "approval reason")
	return cmd
}

func reviewRejectCmd() *cobra.Command {
	var reason, feedback string
	cmd := &cobra.Command{
		Use:   "reject <review-id>",
		Short: "Reject a pending review (feedback required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				rv, err := c.Resolve(ctx, args[0], false, domain.Decision{Reason: reason, Feedback: feedback}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&feedback, "feedback", "", "corrective feedback for regeneration")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Pipeline status"}
	wf.AddCommand(workflowStatusCmd())
	wf.AddCommand(workflowDashboardCmd())
	return wf
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				ws, err := c.Status(ctx, c.Stages.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ws)
				}
				fmt.Printf("Project: %s\n", ws.ProjectID)
				for _, line := range []struct {
					name string
					slot domain.StageSlot
				}{
					{"requirements", ws.Requirements},
					{"planning", ws.Planning},
					{"stories", ws.Stories},
					{"codegen", ws.Codegen},
				} {
					if line.slot.StageID == "" {
						fmt.Printf("  %-13s %s\n", line.name, line.slot.Status)
						continue
					}
					fmt.Printf("  %-13s %s (%s)\n", line.name, line.slot.Status, line.slot.StageID)
				}
				return nil
			})
		},
	}
}

func workflowDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Pending reviews and active workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				d, err := c.Dashboard(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <stage-id>",
		Short: "Export codegen artifacts as a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				st, err := c.Stages.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if st.Type != domain.StageCodegen {
					return fmt.Errorf("stage %s is %s; only codegen stages can be exported", st.ID, st.Type)
				}
				artifacts, err := c.Repo.ListArtifacts(ctx, st.ID)
				if err != nil {
					return err
				}
				if out == "" {
					out = st.ID + ".zip"
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := packaging.WriteZip(f, artifacts); err != nil {
					return err
				}
				fmt.Printf("Wrote %d artifacts to %s\n", len(artifacts), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default <stage-id>.zip)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key for %s (store it now, it is not recoverable):\n%s\n", actor, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: stage runs, reviews, story edits.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, c workflow.Coordinator) error {
				events, err := c.Repo.LatestEvents(ctx, n, c.Stages.Config.Project.ID, evtType, entityKind, entityID)
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
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			c := workflow.New(conn, cfg, aiClient(cfg), loader(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FORGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FORGELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Coordinator: c, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Forgeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func aiClient(cfg *config.Config) ai.Client {
	apiKey := ""
	if cfg.AI.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.AI.APIKeyEnv)
	}
	return ai.NewHTTPClient(cfg.AI.BaseURLs, apiKey, cfg.AI.Models.Requirements,
		time.Duration(cfg.AI.TimeoutSeconds)*time.Second)
}

func loader(cfg *config.Config) instructions.Loader {
	return instructions.FSLoader{OverrideDir: cfg.Instructions.Dir}
}

func withServices(ctx context.Context, fn func(context.Context, workflow.Coordinator) error) error {
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	c := workflow.New(conn, cfg, aiClient(cfg), loader(cfg))
	return fn(ctx, c)
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

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
