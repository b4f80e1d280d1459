package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shepherd/internal/app"
	"shepherd/internal/config"
	"shepherd/internal/db"
	"shepherd/internal/domain"
	"shepherd/internal/engine"
	"shepherd/internal/engine/auth"
	"shepherd/internal/migrate"
	"shepherd/internal/repo"
	"shepherd/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Shepherd governs VM lifecycle requests",
	Long: `Shepherd records every state-changing VM request as a domain event,
routes it through approval when policy asks for it, and hands approved work
to per-cluster workers.

- Resources: systems own services, services own vms. Grants attach to systems.
- Requests: VM_CREATE, VM_DELETE, VM_START, VM_STOP, VM_RESTART, RESOURCE_DELETE.
- Tickets: PENDING_APPROVAL -> APPROVED -> EXECUTING -> SUCCESS or FAILED.
- Batches: one parent ticket approves or rejects up to 100 VM creations.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHEPHERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("busy-timeout-ms", 5000, "sqlite busy timeout")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "busy-timeout-ms"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())

	requestCmd := &cobra.Command{Use: "request", Short: "Submit requests"}
	requestCmd.AddCommand(requestSubmitCmd())
	rootCmd.AddCommand(requestCmd)

	batchCmd := &cobra.Command{Use: "batch", Short: "Batch VM creation"}
	batchCmd.AddCommand(batchSubmitCmd(), batchStatusCmd(), batchItemsCmd())
	rootCmd.AddCommand(batchCmd)

	ticketCmd := &cobra.Command{Use: "ticket", Short: "Approval tickets"}
	ticketCmd.AddCommand(ticketShowCmd(), ticketApproveCmd(), ticketDecisionCmd("reject"), ticketDecisionCmd("cancel"))
	rootCmd.AddCommand(ticketCmd)

	eventCmd := &cobra.Command{Use: "event", Short: "Domain events"}
	eventCmd.AddCommand(eventListCmd(), eventShowCmd(), eventJobsCmd(), eventArchiveCmd())
	rootCmd.AddCommand(eventCmd)

	resourceCmd := &cobra.Command{Use: "resource", Short: "Resource catalog"}
	resourceCmd.AddCommand(resourceAddCmd(), resourceListCmd(), resourceShowCmd(), resourceDeleteCmd())
	rootCmd.AddCommand(resourceCmd)

	rbacCmd := &cobra.Command{Use: "rbac", Short: "Role bindings"}
	rbacCmd.AddCommand(rbacGrantCmd(), rbacRevokeCmd(), rbacListCmd(), rbacCheckCmd())
	rootCmd.AddCommand(rbacCmd)

	tokenCmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	tokenCmd.AddCommand(tokenMintCmd())
	rootCmd.AddCommand(tokenCmd)

	apiKeyCmd := &cobra.Command{Use: "apikey", Short: "API keys"}
	apiKeyCmd.AddCommand(apiKeyCreateCmd(), apiKeyListCmd(), apiKeyRevokeCmd())
	rootCmd.AddCommand(apiKeyCmd)

	queueCmd := &cobra.Command{Use: "queue", Short: "Job queues"}
	queueCmd.AddCommand(queueDepthCmd())
	rootCmd.AddCommand(queueCmd)

	rootCmd.AddCommand(auditCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, its config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := writeDefaultConfig(workspace, force); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Initialized workspace %s (config %s)\n", workspace, config.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func writeDefaultConfig(workspace string, force bool) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), BusyTimeoutMS: viper.GetInt("busy-timeout-ms")})
			if err != nil {
				return err
			}
			defer conn.Close()
			before, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			after, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			if after == before {
				fmt.Printf("schema up to date at version %d\n", after)
				return nil
			}
			fmt.Printf("migrated schema from version %d to %d\n", before, after)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initC := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := writeDefaultConfig(workspace, force); err != nil {
				return err
			}
			fmt.Println(config.Path(workspace))
			return nil
		},
	}
	initC.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(initC, show)
	return cmd
}

func requestSubmitCmd() *cobra.Command {
	var (
		op, reason string
		scope      domain.Scope
		spec       domain.VMSpec
		confirm    bool
		confirmAs  string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a VM operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Submit(ctx, principal(), engine.SubmitRequest{
					Operation:   domain.Operation(strings.ToUpper(op)),
					Scope:       scope,
					Spec:        spec,
					Reason:      reason,
					Confirm:     confirm,
					ConfirmName: confirmAs,
				})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", string(domain.OpVMCreate), "operation")
	addScopeFlags(cmd, &scope)
	addSpecFlags(cmd, &spec)
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to approvers")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a delete")
	cmd.Flags().StringVar(&confirmAs, "confirm-name", "", "resource name for strict delete confirmation")
	return cmd
}

func addScopeFlags(cmd *cobra.Command, s *domain.Scope) {
	cmd.Flags().StringVar(&s.ServiceID, "service", "", "service id (VM_CREATE)")
	cmd.Flags().StringVar(&s.Namespace, "namespace", "default", "namespace (VM_CREATE)")
	cmd.Flags().StringVar(&s.Name, "name", "", "vm name (VM_CREATE)")
	cmd.Flags().StringVar(&s.ResourceID, "resource", "", "target resource id")
}

func addSpecFlags(cmd *cobra.Command, s *domain.VMSpec) {
	cmd.Flags().StringVar(&s.TemplateID, "template", "", "template id")
	cmd.Flags().IntVar(&s.CPU, "cpu", 0, "vCPUs")
	cmd.Flags().IntVar(&s.MemoryMB, "memory-mb", 0, "memory in MiB")
	cmd.Flags().IntVar(&s.DiskGB, "disk-gb", 0, "disk in GiB")
}

func batchSubmitCmd() *cobra.Command {
	var (
		scope  domain.Scope
		spec   domain.VMSpec
		reason string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create count VMs named <name>-1..<name>-count under one ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitBatch(ctx, principal(), engine.SubmitRequest{
					Operation: domain.OpVMCreate,
					Scope:     scope,
					Spec:      spec,
					Reason:    reason,
				}, count)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("parent ticket %s (%s)\n", res.ParentTicketID, res.Status)
				tw := newTable("Event", "Ticket", "Aggregate", "Status")
				for _, c := range res.Children {
					tw.AppendRow(table.Row{c.EventID, c.TicketID, c.AggregateID, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	addScopeFlags(cmd, &scope)
	addSpecFlags(cmd, &spec)
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to approvers")
	cmd.Flags().IntVar(&count, "count", 1, "number of VMs")
	return cmd
}

func batchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <parent-ticket-id>",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetBatchStatus(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printResult(st)
			})
		},
	}
}

func batchItemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "items <parent-ticket-id>",
		Short: "List the tickets of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChildTickets(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printTickets(items)
			})
		},
	}
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTicket(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
}

func ticketApproveCmd() *cobra.Command {
	var opts engine.ApproveOptions
	var modified string
	cmd := &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Approve a pending ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modified != "" {
				if !json.Valid([]byte(modified)) {
					return fmt.Errorf("--modified-spec must be a JSON object")
				}
				opts.ModifiedSpec = json.RawMessage(modified)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Approve(ctx, principal(), args[0], opts)
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	cmd.Flags().StringVar(&modified, "modified-spec", "", "replacement spec as JSON")
	cmd.Flags().StringVar(&opts.ModificationReason, "modification-reason", "", "why the spec changed")
	cmd.Flags().StringVar(&opts.SelectedCluster, "cluster", "", "execution cluster")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "decision reason")
	return cmd
}

func ticketDecisionCmd(verb string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <ticket-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decide := e.Reject
				if verb == "cancel" {
					decide = e.Cancel
				}
				t, err := decide(ctx, principal(), args[0], reason)
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	return cmd
}

func eventListCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, principal(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Type", "Aggregate", "Status", "Created By", "Created")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.Type, evt.AggregateID, evt.Status, evt.CreatedBy, evt.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.AggregateID, "aggregate", "", "aggregate id filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "requester filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived events")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max events")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "continue after created_at|id")
	return cmd
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evt, err := e.GetEvent(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printResult(evt)
			})
		},
	}
}

func eventJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <event-id>",
		Short: "Show delivery attempts of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.EventJobs(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable("ID", "Queue", "State", "Attempts", "Last Error")
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Queue, j.State, j.Attempts, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventArchiveCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive terminal events past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ArchiveSweep(ctx, principal(), time.Duration(days)*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Printf("archived %d events\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "older-than-days", 0, "override the retention window")
	return cmd
}

func resourceAddCmd() *cobra.Command {
	var opts engine.RegisterOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a system, service or vm",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RegisterResource(ctx, principal(), opts)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "resource id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", domain.KindSystem, "system, service or vm")
	cmd.Flags().StringVar(&opts.Name, "name", "", "resource name")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent resource id")
	cmd.Flags().StringVar(&opts.Environment, "env", "", "environment (systems)")
	cmd.Flags().StringVar(&opts.Sensitivity, "sensitivity", "", "low or high")
	cmd.Flags().StringVar(&opts.Cluster, "cluster", "", "cluster (vms)")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "namespace (vms)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func resourceListCmd() *cobra.Command {
	var f repo.ResourceFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListResources(ctx, principal(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Name", "Parent", "Env", "Status")
				for _, r := range items {
					parent := ""
					if r.ParentID != nil {
						parent = *r.ParentID
					}
					tw.AppendRow(table.Row{r.ID, r.Kind, r.Name, parent, r.Environment, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "live or deleted")
	return cmd
}

func resourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GetResource(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func resourceDeleteCmd() *cobra.Command {
	var req engine.DeleteRequest
	cmd := &cobra.Command{
		Use:   "delete <resource-id>",
		Short: "Request deletion of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ResourceID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestDelete(ctx, principal(), req)
				if err != nil {
					var confirm domain.ConfirmationRequiredError
					if errors.As(err, &confirm) && confirm.Strict {
						return fmt.Errorf("%w; rerun with --confirm-name %s", err, confirm.Expected)
					}
					if errors.As(err, &confirm) {
						return fmt.Errorf("%w; rerun with --confirm", err)
					}
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().BoolVar(&req.Confirm, "confirm", false, "confirm the delete")
	cmd.Flags().StringVar(&req.ConfirmName, "confirm-name", "", "type the resource name for strict deletes")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason shown to approvers")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var opts engine.GrantOptions
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Bind a role globally or on a system",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ScopeID != "" && opts.ScopeType == "" {
				opts.ScopeType = domain.ScopeResource
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Grant(ctx, principal(), opts)
				if err != nil {
					return err
				}
				return printResult(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&opts.RoleID, "role", "", "role id")
	cmd.Flags().StringVar(&opts.ScopeType, "scope-type", "", "global or resource")
	cmd.Flags().StringVar(&opts.ScopeID, "scope", "", "root resource id")
	cmd.Flags().StringSliceVar(&opts.Environments, "env", []string{"*"}, "allowed environments")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <binding-id>",
		Short: "Remove a role binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Revoke(ctx, principal(), args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func rbacListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List role bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBindings(ctx, principal(), userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "User", "Role", "Scope", "Environments")
				for _, b := range items {
					scope := b.ScopeType
					if b.ScopeID != "" {
						scope += ":" + b.ScopeID
					}
					tw.AppendRow(table.Row{b.ID, b.UserID, b.RoleID, scope, strings.Join(b.AllowedEnvironments, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user filter (empty lists everyone)")
	return cmd
}

func rbacCheckCmd() *cobra.Command {
	var q auth.Query
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a permission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CheckPermission(ctx, principal(), q)
				if err != nil {
					return err
				}
				return printResult(d)
			})
		},
	}
	cmd.Flags().StringVar(&q.ActorID, "user", "", "user to evaluate (defaults to the caller)")
	cmd.Flags().StringVar(&q.Permission, "permission", "", "permission such as vm:create")
	cmd.Flags().StringVar(&q.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&q.Environment, "env", "", "environment")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

func tokenMintCmd() *cobra.Command {
	var actor, tenant string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token signed with SHEPHERD_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actor, tenant, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	cmd.Flags().String("jwt-secret", "", "HS256 signing secret")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, key, err := e.CreateAPIKey(ctx, principal(), actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "key owner (defaults to the caller)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, principal(), actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "owner filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, principal(), args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func queueDepthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Waiting jobs per cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				depth, err := e.QueueDepth(ctx, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(depth)
				}
				tw := newTable("Queue", "Waiting")
				for name := range e.Config.Worker.Domains {
					tw.AppendRow(table.Row{name, depth[name]})
				}
				tw.SortBy([]table.SortBy{{Name: "Queue", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	var kind, id string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.AuditTrail(ctx, principal(), kind, id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("At", "Actor", "Action", "Entity")
				for _, a := range entries {
					tw.AppendRow(table.Row{a.TS, a.ActorID, a.Action, a.EntityKind + ":" + a.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&id, "entity-id", "", "entity id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

// --- helpers ---

func principal() auth.Principal {
	return auth.Principal{ActorID: viper.GetString("actor-id"), Source: auth.SourceCLI}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withRuntime(ctx context.Context, bootstrap bool, fn func(context.Context, *app.Runtime) error) error {
	opts := app.Options{
		Workspace:     viper.GetString("workspace"),
		BusyTimeoutMS: viper.GetInt("busy-timeout-ms"),
		Logger:        newLogger(),
	}
	if bootstrap {
		opts.BootstrapAdmin = viper.GetString("actor-id")
	}
	rt, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, false, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printTickets(items []domain.Ticket) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Event", "Status", "Requester", "Decided By")
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.EventID, t.Status, t.Requester, t.DecidedBy})
	}
	tw.Render()
	return nil
}

func printResult(v any) error {
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
