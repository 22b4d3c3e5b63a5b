package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"mediajob/internal/app"
	"mediajob/internal/config"
	"mediajob/internal/db"
	"mediajob/internal/domain"
	"mediajob/internal/engine"
	"mediajob/internal/logging"
	"mediajob/internal/repo"
	"mediajob/internal/resolver"
	"mediajob/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mj",
	Short: "mediajob CLI",
	Long: `mediajob hands media to an external processing service and tracks the resulting jobs.
- Document: the object a job is attached to; it carries roles and an online flag.
- Submission: media from a web link, the media pool, an upload or inline text, sent once per document.
- Job: the external document id with its status, credit and activity log.
- Callbacks: the service reports progress to POST /goto?target=<webhook_target>.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("MEDIAJOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "overrides logger.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(configCmd())
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage documents"}
	doc.AddCommand(docCreateCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docShowCmd())
	doc.AddCommand(docOnlineCmd("online", true))
	doc.AddCommand(docOnlineCmd("offline", false))
	doc.AddCommand(docRenameCmd())
	doc.AddCommand(docDeleteCmd())
	return doc
}

func docCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a document owned by the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDocument(ctx, title, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func docListCmd() *cobra.Command {
	var f repo.DocumentFilters
	var submitted string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents visible to the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Submitted = optionalBool(submitted)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.ListDocuments(ctx, actorID(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Online", "Job", "Updated"})
				for _, d := range docs {
					job := ""
					if d.DocumentID != nil {
						job = *d.DocumentID
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.IsOnline, job, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.OnlineOnly, "online-only", false, "only online documents")
	cmd.Flags().StringVar(&submitted, "submitted", "", "true or false to filter on an attached job")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func docShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDocument(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func docOnlineCmd(use string, online bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Set the document " + use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDocument(ctx, args[0], actorID(), engine.DocumentUpdate{Online: &online})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func docRenameCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "rename <id>",
		Short: "Change the document title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDocument(ctx, args[0], actorID(), engine.DocumentUpdate{Title: &title})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func docDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document with its job and activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteDocument(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var (
		title, language        string
		mediaSource, webSource string
		fields                 resolver.Fields
		filePath, textFile     string
		automatic              bool
	)
	cmd := &cobra.Command{
		Use:   "submit <document-id>",
		Short: "Submit media for processing",
		Long: `Pick the source with --media-source:
  web       a link; --web-src content|audio|video and --url
  mob       a pooled asset; --asset-id
  file      a local file uploaded to the media store; --file
  freetext  HTML text; --text or --text-file`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if textFile != "" {
				b, err := os.ReadFile(textFile)
				if err != nil {
					return err
				}
				fields.Text = string(b)
			}
			if filePath != "" {
				f, err := os.Open(filePath)
				if err != nil {
					return err
				}
				defer f.Close()
				fields.Files = []resolver.StagedFile{{Name: filepath.Base(filePath), Reader: f}}
			}
			src, err := resolver.FromForm(mediaSource, webSource, fields)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Submit(ctx, engine.SubmitOptions{
					ObjectID:      args[0],
					ActorID:       actorID(),
					Title:         title,
					Language:      language,
					Source:        src,
					AutomaticMode: automatic,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&language, "language", "en", "content language")
	cmd.Flags().StringVar(&mediaSource, "media-source", "web", "web, mob, file or freetext")
	cmd.Flags().StringVar(&webSource, "web-src", "content", "content, audio or video")
	cmd.Flags().StringVar(&fields.URL, "url", "", "media link")
	cmd.Flags().StringVar(&fields.AssetID, "asset-id", "", "pooled asset id")
	cmd.Flags().StringVar(&filePath, "file", "", "file to upload")
	cmd.Flags().StringVar(&fields.Text, "text", "", "inline HTML")
	cmd.Flags().StringVar(&textFile, "text-file", "", "read inline HTML from file")
	cmd.Flags().BoolVar(&automatic, "automatic", false, "let the service run every step unattended")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	job.AddCommand(&cobra.Command{
		Use:   "show <document-id>",
		Short: "Show the job attached to a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	})
	return job
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect job activities"}
	var limit int
	list := &cobra.Command{
		Use:   "list <document-id>",
		Short: "List activities of a document job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActivities(ctx, args[0], actorID(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "User", "Action", "Status", "Code", "Credit", "Error"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TS, a.UserID, a.Action, a.Status, a.Code, a.ConsumedCredit, a.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 200, "maximum rows")
	act.AddCommand(list)
	return act
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Manage the media pool"}
	asset.AddCommand(&cobra.Command{
		Use:   "add <file>",
		Short: "Add a file to the media pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAsset(ctx, filepath.Base(args[0]), f, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	asset.AddCommand(&cobra.Command{
		Use:   "remove <asset-id>",
		Short: "Remove a file from the media pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveAsset(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("removed", args[0])
				return nil
			})
		},
	})
	asset.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pooled media with a supported extension",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAssets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Size", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.MIMEType, a.Size, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return asset
}

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{Use: "rbac", Short: "Manage document roles"}
	rbac.AddCommand(roleChangeCmd("grant", "Grant a role", func(ctx context.Context, e engine.Engine, doc, target, role string) error {
		return e.GrantRole(ctx, doc, actorID(), target, role)
	}))
	rbac.AddCommand(roleChangeCmd("revoke", "Revoke a role", func(ctx context.Context, e engine.Engine, doc, target, role string) error {
		return e.RevokeRole(ctx, doc, actorID(), target, role)
	}))
	return rbac
}

func roleChangeCmd(use, short string, apply func(ctx context.Context, e engine.Engine, doc, target, role string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use + " <document-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := apply(ctx, e, args[0], target, role); err != nil {
					return err
				}
				fmt.Printf("%s %s %s on %s\n", use, role, target, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor receiving or losing the role")
	cmd.Flags().StringVar(&role, "role", "", "owner, editor or viewer")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func accessCmd() *cobra.Command {
	acc := &cobra.Command{Use: "access", Short: "Query the access gate"}
	var perm, as string
	check := &cobra.Command{
		Use:   "check <document-id>",
		Short: "Check whether an actor holds a permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller := as
			if caller == "" {
				caller = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok := e.CheckAccess(ctx, perm, caller, args[0])
				grants, err := e.WhoAmI(ctx, args[0], caller)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"allowed": ok, "permission": perm, "grants": grants})
				}
				fmt.Printf("%s %s on %s: %t (roles: %s)\n", caller, perm, args[0], ok, strings.Join(grants.Roles, ","))
				return nil
			})
		},
	}
	check.Flags().StringVar(&perm, "permission", domain.PermRead, "visible, read, write, delete or edit_permission")
	check.Flags().StringVar(&as, "as", "", "actor to check (defaults to --actor-id)")
	acc.AddCommand(check)
	return acc
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect mediajob.yml",
		Long:  "Configuration is read from mediajob.yml in the workspace; MEDIAJOB_API_KEY, MEDIAJOB_SIGNING_SECRET and MEDIAJOB_WEBHOOK_SECRET override the secrets it holds.",
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
		Short: "Write the default mediajob.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.API.Key = mask(shown.API.Key)
			shown.Signing.Secret = mask(shown.Signing.Secret)
			shown.Webhook.Secret = mask(shown.Webhook.Secret)
			return printJSONOrTable(shown)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate mediajob.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
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
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowActorHeader,
				Logger:                 logging.Log,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("MEDIAJOB_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer func() { logging.LogIf(rt.Close()) }()
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Log: logging.Log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logging.Log.Infof("serving mediajob API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				logging.Log.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (development only)")
	return cmd
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

// loadConfig reads mediajob.yml and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	for key, dst := range map[string]*string{
		"api-key":        &cfg.API.Key,
		"signing-secret": &cfg.Signing.Secret,
		"webhook-secret": &cfg.Webhook.Secret,
	} {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	level := cfg.Logger.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	if err := logging.Configure(level, cfg.Logger.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, viper.GetString("workspace"), cfg, logging.Log)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { logging.LogIf(rt.Close()) }()
	return fn(ctx, rt.Engine)
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

func optionalBool(s string) *bool {
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		v := true
		return &v
	case "false", "no", "0":
		v := false
		return &v
	}
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}
