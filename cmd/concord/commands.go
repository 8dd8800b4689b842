package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hylla/concord/internal/adapters/server"
	"github.com/hylla/concord/internal/adapters/server/common"
	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/domain"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) pathsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Show resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := c.paths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", c.appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", c.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(out, "log_dir: %s\n", paths.LogDir)
			return nil
		},
	}
}

func (c *cli) serveCommand() *cobra.Command {
	var (
		bind  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and MCP tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withSession("serve", func(s *session) error {
				serverCfg := server.Config{
					HTTPBind:      s.cfg.Server.HTTPBind,
					APIEndpoint:   s.cfg.Server.APIEndpoint,
					MCPEndpoint:   s.cfg.Server.MCPEndpoint,
					ServerName:    "concord",
					ServerVersion: version,
				}
				if strings.TrimSpace(bind) != "" {
					serverCfg.HTTPBind = bind
				}
				watchRoles := s.cfg.Permissions.WatchConfig
				if cmd.Flags().Changed("watch-config") {
					watchRoles = watch
				}

				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error {
					return s.engine.Start(ctx)
				})
				if watchRoles {
					g.Go(func() error {
						if err := watchRolePolicies(ctx, s.configPath, s.defaults, s.engine, s.logger); err != nil {
							s.logger.Warn("role policy watcher disabled", "err", err)
						}
						return nil
					})
				}
				g.Go(func() error {
					s.logger.Info("serving", "http_bind", serverCfg.HTTPBind)
					return server.Run(ctx, serverCfg, server.Dependencies{
						Service: common.NewEngineAdapter(s.engine),
					})
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&bind, "http", "", "listen address (overrides server.http_bind)")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload role policies when the config file changes")
	return cmd
}

func (c *cli) lockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release and inspect document leases",
	}

	var (
		actor string
		lease time.Duration
	)
	acquire := &cobra.Command{
		Use:   "acquire <resource_type> <document_id>",
		Short: "Acquire an exclusive lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("lock acquire", func(s *session) error {
				lock, err := s.engine.AcquireLock(cmd.Context(), app.AcquireLockInput{
					ResourceType:  args[0],
					DocumentID:    args[1],
					ActorID:       actor,
					LeaseDuration: lease,
				})
				if err != nil {
					return describeError(err)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "lock_id: %s\n", lock.LockID)
				_, _ = fmt.Fprintf(out, "token: %s\n", lock.Token)
				_, _ = fmt.Fprintf(out, "holder: %s\n", lock.HolderID)
				_, _ = fmt.Fprintf(out, "expires_at: %s\n", formatTime(lock.ExpiresAt))
				return nil
			})
		},
	}
	acquire.Flags().StringVar(&actor, "actor", "", "acting actor id")
	acquire.Flags().DurationVar(&lease, "lease", 0, "lease duration (default from config)")
	_ = acquire.MarkFlagRequired("actor")

	var (
		releaseActor string
		token        string
	)
	release := &cobra.Command{
		Use:   "release <resource_type> <document_id>",
		Short: "Release a lease held by the actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("lock release", func(s *session) error {
				released, err := s.engine.ReleaseLock(cmd.Context(), app.ReleaseLockInput{
					ResourceType: args[0],
					DocumentID:   args[1],
					ActorID:      releaseActor,
					Token:        token,
				})
				if err != nil {
					return describeError(err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "released: %t\n", released)
				return nil
			})
		},
	}
	release.Flags().StringVar(&releaseActor, "actor", "", "acting actor id")
	release.Flags().StringVar(&token, "token", "", "lock token returned by acquire")
	_ = release.MarkFlagRequired("actor")

	status := &cobra.Command{
		Use:   "status [resource_type] [document_id]",
		Short: "Show lease state for one document, or list active leases",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("lock status", func(s *session) error {
				if len(args) == 2 {
					state, err := s.engine.LockStatus(cmd.Context(), args[0], args[1])
					if err != nil {
						return describeError(err)
					}
					if !state.Locked || state.Lock == nil {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s is unlocked\n", args[0], args[1])
						return nil
					}
					return writeTable(cmd.OutOrStdout(), "", lockHeaders, lockRows([]domain.Lock{*state.Lock}))
				}
				filter := domain.LockFilter{Statuses: []domain.LockStatus{domain.LockStatusActive}}
				if len(args) == 1 {
					filter.ResourceType = args[0]
				}
				locks, err := s.engine.Locks(cmd.Context(), filter)
				if err != nil {
					return describeError(err)
				}
				return writeTable(cmd.OutOrStdout(), "no active locks", lockHeaders, lockRows(locks))
			})
		},
	}

	cmd.AddCommand(acquire, release, status)
	return cmd
}

// versionShowView adds the checksum verification result to one version.
type versionShowView struct {
	common.VersionView
	ChecksumVerified bool `json:"checksum_verified"`
}

var lockHeaders = []string{"Resource", "Document", "Holder", "Status", "Expires", "Lock ID"}

func (c *cli) versionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect per-document version history",
	}

	var (
		author string
		since  int64
		limit  int
	)
	list := &cobra.Command{
		Use:   "list <resource_type> <document_id>",
		Short: "List recorded versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("versions list", func(s *session) error {
				versions, err := s.engine.Versions(cmd.Context(), domain.VersionFilter{
					ResourceType: args[0],
					DocumentID:   args[1],
					AuthorID:     author,
					SinceVersion: since,
					Limit:        limit,
				})
				if err != nil {
					return describeError(err)
				}
				return writeTable(cmd.OutOrStdout(), "no versions recorded", []string{"Version", "Kind", "Author", "Recorded", "Checksum"}, versionRows(versions))
			})
		},
	}
	list.Flags().StringVar(&author, "author", "", "only versions by this author")
	list.Flags().Int64Var(&since, "since", 0, "only versions after this number")
	list.Flags().IntVar(&limit, "limit", 0, "maximum rows")

	show := &cobra.Command{
		Use:   "show <resource_type> <document_id> <version>",
		Short: "Print one version snapshot as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || number <= 0 {
				return fmt.Errorf("version must be a positive integer: %q", args[2])
			}
			return c.withSession("versions show", func(s *session) error {
				rec, err := s.engine.Version(cmd.Context(), args[0], args[1], number)
				if err != nil {
					return describeError(err)
				}
				verified, err := s.engine.VerifyVersion(cmd.Context(), args[0], args[1], number)
				if err != nil {
					return describeError(err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(versionShowView{VersionView: common.MapVersion(rec), ChecksumVerified: verified})
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func (c *cli) conflictsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Detect, inspect and resolve conflicts",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list [resource_type] [document_id]",
		Short: "List conflict records",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.ConflictFilter{Limit: limit}
			if len(args) > 0 {
				filter.ResourceType = args[0]
			}
			if len(args) > 1 {
				filter.DocumentID = args[1]
			}
			if s := strings.TrimSpace(strings.ToLower(status)); s != "" && s != "all" {
				filter.Statuses = []domain.ConflictStatus{domain.ConflictStatus(s)}
			}
			return c.withSession("conflicts list", func(s *session) error {
				records, err := s.engine.Conflicts(cmd.Context(), filter)
				if err != nil {
					return describeError(err)
				}
				return writeTable(cmd.OutOrStdout(), "no conflicts", []string{"Conflict", "Document", "Kind", "Status", "Actors", "Versions"}, conflictRows(records))
			})
		},
	}
	list.Flags().StringVar(&status, "status", "pending", "pending, resolved or all")
	list.Flags().IntVar(&limit, "limit", 0, "maximum rows")

	var style string
	show := &cobra.Command{
		Use:   "show <conflict_id>",
		Short: "Render a conflict report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("conflicts show", func(s *session) error {
				rec, err := s.engine.Conflict(cmd.Context(), args[0])
				if err != nil {
					return describeError(err)
				}
				versions, err := s.engine.Versions(cmd.Context(), domain.VersionFilter{
					ResourceType: rec.ResourceType,
					DocumentID:   rec.DocumentID,
					SinceVersion: rec.BaseVersion - 1,
				})
				if err != nil {
					return describeError(err)
				}
				rendered, err := renderMarkdown(conflictReportMarkdown(rec, versions), style)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
				return err
			})
		},
	}
	show.Flags().StringVar(&style, "style", "auto", "glamour style (auto, dark, light, notty)")

	var (
		detectActor string
		baseline    int64
		record      bool
	)
	detect := &cobra.Command{
		Use:   "detect <resource_type> <document_id>",
		Short: "Check whether a write from baseline would conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("conflicts detect", func(s *session) error {
				result, err := s.engine.DetectConflict(cmd.Context(), app.DetectConflictInput{
					ResourceType:    args[0],
					DocumentID:      args[1],
					ActorID:         detectActor,
					BaselineVersion: baseline,
					Record:          record,
				})
				if err != nil {
					return describeError(err)
				}
				view := common.MapAssessment(result.Assessment)
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "conflict: %t\n", view.HasConflict)
				_, _ = fmt.Fprintf(out, "kind: %s\n", view.Kind)
				if view.Detail != "" {
					_, _ = fmt.Fprintf(out, "detail: %s\n", view.Detail)
				}
				if view.HolderID != "" {
					_, _ = fmt.Fprintf(out, "holder: %s\n", view.HolderID)
				}
				_, _ = fmt.Fprintf(out, "latest_version: %d\n", view.LatestVersion)
				if result.ConflictID != "" {
					_, _ = fmt.Fprintf(out, "conflict_id: %s\n", result.ConflictID)
				}
				return nil
			})
		},
	}
	detect.Flags().StringVar(&detectActor, "actor", "", "acting actor id")
	detect.Flags().Int64Var(&baseline, "baseline", 0, "version the actor started from")
	detect.Flags().BoolVar(&record, "record", false, "record a positive result as a pending conflict")
	_ = detect.MarkFlagRequired("actor")

	var (
		strategy     string
		resolveActor string
		snapshotJSON string
		note         string
	)
	resolve := &cobra.Command{
		Use:   "resolve <conflict_id>",
		Short: "Resolve a pending conflict with a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := app.ResolutionInput{ActorID: resolveActor, Note: note}
			if strings.TrimSpace(snapshotJSON) != "" {
				var snap domain.Snapshot
				if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
					return fmt.Errorf("decode --snapshot: %w", err)
				}
				in.Snapshot = snap
			}
			return c.withSession("conflicts resolve", func(s *session) error {
				outcome, err := s.engine.ResolveConflict(cmd.Context(), args[0], domain.StrategyKind(strategy), in)
				if err != nil {
					return describeError(err)
				}
				rec := outcome.Record
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "conflict_id: %s\n", rec.ConflictID)
				_, _ = fmt.Fprintf(out, "status: %s\n", rec.Status)
				_, _ = fmt.Fprintf(out, "strategy: %s\n", rec.StrategyUsed)
				if rec.Resolution.AppliedVersion > 0 {
					_, _ = fmt.Fprintf(out, "applied_version: %d\n", rec.Resolution.AppliedVersion)
				}
				if rec.Resolution.WinnerActorID != "" {
					_, _ = fmt.Fprintf(out, "winner: %s\n", rec.Resolution.WinnerActorID)
				}
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&strategy, "strategy", string(domain.StrategyLastWriteWins), "last_write_wins, merge, manual or priority_based")
	resolve.Flags().StringVar(&resolveActor, "actor", "", "resolving actor id")
	resolve.Flags().StringVar(&snapshotJSON, "snapshot", "", "replacement document JSON for manual resolution")
	resolve.Flags().StringVar(&note, "note", "", "resolution note")

	cmd.AddCommand(list, show, detect, resolve)
	return cmd
}

func (c *cli) logsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the operation audit log",
	}
	var (
		level string
		actor string
		since time.Duration
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List operation log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.LogFilter{ActorID: actor, Limit: limit}
			if strings.TrimSpace(level) != "" {
				lvl := domain.NormalizeLogLevel(domain.LogLevel(level))
				if !domain.IsValidLogLevel(lvl) {
					return fmt.Errorf("invalid --level %q", level)
				}
				filter.Levels = []domain.LogLevel{lvl}
			}
			if since > 0 {
				ts := c.now().UTC().Add(-since)
				filter.Since = &ts
			}
			return c.withSession("logs list", func(s *session) error {
				entries, err := s.engine.Logs(cmd.Context(), filter)
				if err != nil {
					return describeError(err)
				}
				return writeTable(cmd.OutOrStdout(), "no log entries", []string{"Recorded", "Level", "Operation", "Actor", "Details"}, logRows(entries))
			})
		},
	}
	list.Flags().StringVar(&level, "level", "", "info, warning, error or critical")
	list.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	list.Flags().DurationVar(&since, "since", 0, "only entries newer than this age")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func (c *cli) rolesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Assign and inspect actor roles",
	}
	assign := &cobra.Command{
		Use:   "assign <actor_id> <role>",
		Short: "Assign a role to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("roles assign", func(s *session) error {
				if err := s.engine.AssignRole(cmd.Context(), args[0], domain.Role(args[1])); err != nil {
					return describeError(err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], domain.NormalizeRole(domain.Role(args[1])))
				return nil
			})
		},
	}
	show := &cobra.Command{
		Use:   "show [actor_id]",
		Short: "Show one actor's role, or the role policy table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession("roles show", func(s *session) error {
				if len(args) == 1 {
					role, err := s.engine.RoleOf(cmd.Context(), args[0])
					if err != nil {
						return describeError(err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], role)
					return nil
				}
				return writeTable(cmd.OutOrStdout(), "no role policies", []string{"Role", "Rank", "Modify Others", "Grants"}, policyRows(s.engine.RolePolicies()))
			})
		},
	}
	cmd.AddCommand(assign, show)
	return cmd
}

func (c *cli) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired leases and flush queued log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withSession("sweep", func(s *session) error {
				swept, err := s.engine.SweepLocks(cmd.Context())
				if err != nil {
					return describeError(err)
				}
				flushed, err := s.engine.FlushLogs(cmd.Context())
				if err != nil {
					return describeError(err)
				}
				pending, err := s.engine.PendingConflicts(cmd.Context())
				if err != nil {
					return describeError(err)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "expired_locks: %d\n", swept)
				_, _ = fmt.Fprintf(out, "logs_flushed: %d\n", flushed)
				_, _ = fmt.Fprintf(out, "pending_conflicts: %d\n", pending)
				return nil
			})
		},
	}
}

// describeError prefixes engine errors with their transport error code.
func describeError(err error) error {
	if err == nil {
		return nil
	}
	class := common.ClassifyError(err)
	if holder, ok := class.Context["holder_id"].(string); ok && holder != "" {
		return fmt.Errorf("%s (holder_id=%s): %w", class.Code, holder, err)
	}
	return fmt.Errorf("%s: %w", class.Code, err)
}
