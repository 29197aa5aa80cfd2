package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fpetran/cora/internal/app"
	"github.com/fpetran/cora/internal/config"
	"github.com/fpetran/cora/internal/events"
	"github.com/fpetran/cora/internal/logging"
	"github.com/fpetran/cora/internal/rbac"
	"github.com/fpetran/cora/internal/search"
	"github.com/fpetran/cora/internal/store"
)

// admin carries the resolved settings shared by every subcommand.
type admin struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	dialect store.Dialect
	store   *store.Store
}

func (a *admin) open(ctx context.Context) error {
	db, dialect, err := store.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.db, a.dialect = db, dialect
	a.store = store.New(db, dialect,
		store.WithLogger(a.logger),
		store.WithLimits(store.Limits{MaxStatementBytes: a.cfg.MaxStatementBytes, MaxParams: a.cfg.MaxStatementParams}),
	)
	return nil
}

func (a *admin) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func rootCommand(out io.Writer) *cobra.Command {
	a := &admin{cfg: config.Load()}

	rootCmd := &cobra.Command{
		Use:           "cora-admin",
		Short:         "CorA maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfg.DatabaseURL, "database-url", a.cfg.DatabaseURL, "postgres:// or sqlite:// database URL")
	flags.StringVar(&a.cfg.MigrationsDir, "migrations", a.cfg.MigrationsDir, "migrations base directory")
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "debug, info, warn or error")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		a.logger = logging.New(cmd.ErrOrStderr(), a.cfg.LogLevel)
		if cmd.Annotations["db"] == "none" {
			return nil
		}
		return a.open(cmd.Context())
	}
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) { a.close() }

	rootCmd.AddCommand(
		migrateCommand(a),
		projectCommand(a),
		tagsetCommand(a),
		importCommand(a),
		deleteDocumentCommand(a),
		locksCommand(a),
		unlockCommand(a),
		reindexCommand(a),
		tokenCommand(a),
		watchCommand(a),
	)
	return rootCmd
}

func migrateCommand(a *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := store.MigrationsDir(a.cfg.MigrationsDir, a.dialect)
			if err := store.ApplyMigrations(cmd.Context(), a.db, a.dialect, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied from %s\n", dir)
			return nil
		},
	}
}

func projectCommand(a *admin) *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := a.store.CreateProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %d %s\n", project.ID, project.Name)
			return nil
		},
	})
	return cmd
}

func tagsetCommand(a *admin) *cobra.Command {
	cmd := &cobra.Command{Use: "tagset", Short: "Manage tagsets"}

	var class string
	create := &cobra.Command{
		Use:   "create ID NAME",
		Short: "Create an empty tagset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.CreateTagset(cmd.Context(), store.Tagset{ID: args[0], Name: args[1], Class: class}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tagset %s created\n", args[0])
			return nil
		},
	}
	create.Flags().StringVar(&class, "class", "", "annotation class, e.g. pos or lemma")

	var (
		user string
		name string
	)
	copyCmd := &cobra.Command{
		Use:   "copy SOURCE DEST",
		Short: "Copy a tagset with all tags, attributes, links and values",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.CopyTagset(cmd.Context(), args[0], args[1], name, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tagset %s copied to %s\n", args[0], args[1])
			return nil
		},
	}
	copyCmd.Flags().StringVar(&user, "user", "admin", "user recorded as last editor")
	copyCmd.Flags().StringVar(&name, "name", "", "name of the copy (default: source name)")

	var lang string
	apply := &cobra.Command{
		Use:   "apply ID FILE",
		Short: "Apply a created/modified/deleted diff read from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var diff store.TagsetDiff
			if err := readJSON(args[1], &diff); err != nil {
				return err
			}
			diff.TagsetID = args[0]
			if lang != "" {
				diff.Lang = lang
			}
			result, err := a.store.SaveTagset(cmd.Context(), diff, user)
			if err != nil {
				return err
			}
			// the lock is kept for interactive editors; a batch run gives it up
			if _, err := a.store.ReleaseLock(cmd.Context(), store.EntityTagset, diff.TagsetID, user, false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, modified %d, deleted %d\n", result.Created, result.Modified, result.Deleted)
			for _, warning := range result.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
			}
			return nil
		},
	}
	apply.Flags().StringVar(&user, "user", "admin", "user taking the tagset lock")
	apply.Flags().StringVar(&lang, "lang", "", "description language (overrides the file)")

	cmd.AddCommand(create, copyCmd, apply)
	return cmd
}

func importCommand(a *admin) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a normalized document (JSON) with its lines and suggestions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc store.NewDocument
			if err := readJSON(args[0], &doc); err != nil {
				return err
			}
			result, err := a.store.CreateDocument(cmd.Context(), doc, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document %d %q imported with %d lines\n", result.Document.ID, result.Document.Name, result.Lines)
			for _, warning := range result.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "user recorded as creator")
	return cmd
}

func deleteDocumentCommand(a *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-document ID",
		Short: "Delete a document with all lines, suggestions and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			if err := a.store.DeleteDocument(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document %d deleted\n", id)
			return nil
		},
	}
}

func locksCommand(a *admin) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			locks, err := a.store.ListLocks(cmd.Context(), entityType)
			if err != nil {
				return err
			}
			for _, lock := range locks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", lock.EntityType, lock.EntityID, lock.Owner, lock.Since.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "document or tagset")
	return cmd
}

func unlockCommand(a *admin) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "unlock TYPE ID",
		Short: "Release a lock; without --owner the lock is removed whoever holds it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			released, err := a.store.ReleaseLock(cmd.Context(), args[0], args[1], owner, owner == "")
			if err != nil {
				return err
			}
			if !released {
				fmt.Fprintf(cmd.OutOrStdout(), "no lock on %s %s\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s unlocked\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only release when held by this user")
	return cmd
}

func reindexCommand(a *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every document's lines into Meilisearch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(a.cfg.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			meiliClient := search.NewMeili(a.cfg.MeiliURL, a.cfg.MeiliMasterKey, logging.Module(a.logger, "search"))
			defer meiliClient.Close()
			if !meiliClient.Healthy() {
				return fmt.Errorf("meilisearch at %s is not reachable", a.cfg.MeiliURL)
			}
			search.NewService(meiliClient, search.NewSQL(a.db, a.dialect), logging.Module(a.logger, "search")).ReindexAll(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "reindex submitted")
			return nil
		},
	}
}

func tokenCommand(a *admin) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:         "token USER",
		Short:       "Issue a bearer token for the API",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"db": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if rbac.Normalize(role) != rbac.Role(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := app.New(a.cfg, nil).IssueToken(args[0], rbac.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleAnnotator), "viewer, annotator, editor or admin")
	return cmd
}

func watchCommand(a *admin) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:         "watch",
		Short:       "Print lock events as they are published",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"db": "none"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(a.cfg.RedisURL) == "" {
				return fmt.Errorf("REDIS_URL is not set")
			}
			publisher, err := events.NewRedisPublisher(a.cfg.RedisURL)
			if err != nil {
				return err
			}
			defer publisher.Close()

			stream, err := publisher.Subscribe(cmd.Context())
			if err != nil {
				return err
			}
			seen := 0
			for event := range stream {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n", event.At.Format("2006-01-02 15:04:05"), event.Kind, event.EntityType, event.EntityID, event.Owner)
				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
			return cmd.Context().Err()
		},
	}
	cmd.Flags().StringVar(&a.cfg.RedisURL, "redis-url", a.cfg.RedisURL, "redis:// URL of the lock event channel")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events; 0 watches until interrupted")
	return cmd
}

func readJSON(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
