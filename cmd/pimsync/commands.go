package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/pimsync/internal/config"
	"github.com/njoerd114/pimsync/internal/control"
	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/setup"
	"github.com/njoerd114/pimsync/internal/state"
	syncp "github.com/njoerd114/pimsync/internal/sync"
)

// --- setup -------------------------------------------------------------------

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, _ := newLogger(config.LogConfig{})
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			return wiz.Run(ctx, cfgPath)
		},
	}
}

// --- daemon ------------------------------------------------------------------

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run periodic and change-driven sync with the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runDaemon(ctx)
		},
	}
}

func runDaemon(ctx context.Context) error {
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.log

	det := syncp.NewDetector(a.device, a.cache, a.guard, a.cfg.Debounce, a.sched.Trigger, logger)
	a.device.Subscribe(det.Events())

	if *a.cfg.DeviceStore.Watch {
		w, err := devstore.NewWatcher(a.device.Path(), det.Events(), logger)
		if err != nil {
			return fmt.Errorf("creating device store watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting device store watcher: %w", err)
		}
		defer func() {
			if err := w.Stop(); err != nil {
				logger.Error("stopping device store watcher", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.sched.Run(gctx, det)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.cfg.Control.Listen != "off" {
		srv := control.NewServer(a.sched, a.orch, a.cache, a.metrics, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.Control.Listen) })
	}

	logger.Info("daemon starting", "accounts", len(a.cfg.Accounts), "debounce", a.cfg.Debounce)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// --- sync-once ---------------------------------------------------------------

func newSyncOnceCmd() *cobra.Command {
	var account, resource, mode string
	var collection int64
	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := model.ParseResourceType(resource)
			if err != nil {
				return err
			}
			m, err := syncp.ParseMode(mode)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runSyncOnce(ctx, syncp.Request{AccountID: account, Resource: res, CollectionID: collection, Mode: m})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "only sync this account")
	cmd.Flags().StringVar(&resource, "resource", "", "calendars, contacts or tasks (default all)")
	cmd.Flags().Int64Var(&collection, "collection", 0, "only sync this cached collection id")
	cmd.Flags().StringVar(&mode, "mode", "full", "full or push-only")
	return cmd
}

func runSyncOnce(ctx context.Context, req syncp.Request) error {
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("running single sync pass", "account", req.AccountID, "resource", req.Resource, "mode", req.Mode)
	rep, err := a.sched.RunSync(ctx, req)
	if err != nil {
		return err
	}
	logReport(a.log, rep)
	return rep.Err()
}

// --- status ------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, cached collections and pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd)
		},
	}
}

func runStatus(ctx context.Context, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "pimsync status")
	fmt.Fprintln(out, "──────────────")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(out, "  Config:    %s (%v)\n", cfgPath, err)
		return nil
	}
	fmt.Fprintf(out, "  Config:    %s ✓\n", cfgPath)
	for _, ac := range cfg.Accounts {
		m := ac.Model()
		fmt.Fprintf(out, "  Account:   %s  %s  every %s, %s\n", m.ID, m.BaseURL, m.SyncInterval, m.ConflictPolicy)
	}
	fmt.Fprintf(out, "  Control:   %s\n", cfg.Control.Listen)

	cachePath, err := cfg.StateDBPath()
	if err != nil {
		return err
	}
	info, err := os.Stat(cachePath)
	if err != nil {
		fmt.Fprintln(out, "  Cache DB:  not found (no sync has run yet)")
		return nil
	}
	fmt.Fprintf(out, "  Cache DB:  %s (%s)\n", cachePath, humanSize(info.Size()))
	if devicePath, err := cfg.DeviceDBPath(); err == nil {
		fmt.Fprintf(out, "  Device:    %s\n", devicePath)
	}

	cache, err := state.Open(cachePath)
	if err != nil {
		return fmt.Errorf("opening cache DB at %q: %w", cachePath, err)
	}
	defer cache.Close()

	colls, err := cache.ListCollections(ctx, "", model.ResourceAll)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACCOUNT\tTYPE\tNAME\tITEMS\tDIRTY\tCONFLICTS\tLAST SYNCED")
	for _, c := range colls {
		st, err := cache.CollectionStats(ctx, c.ID)
		if err != nil {
			return err
		}
		last := "never"
		if !c.LastSynced.IsZero() {
			last = c.LastSynced.Local().Format("2006-01-02 15:04:05")
		}
		name := c.DisplayName
		if !c.SyncEnabled {
			name += " (disabled)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID, c.AccountID, c.Resource, name, st.Items, st.Dirty, st.Conflicts, last)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	conflicts, err := cache.ListConflicts(ctx, 0)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%d conflict(s) waiting for a decision:\n", len(conflicts))
	for _, c := range conflicts {
		it, err := cache.GetItem(ctx, c.ItemID)
		if err != nil {
			return err
		}
		remote := "edited"
		if c.RemoteDeleted {
			remote = "deleted"
		}
		fmt.Fprintf(out, "  %d  %q  (server %s)  pimsync resolve %d --keep local|remote\n", it.ID, it.Title, remote, it.ID)
	}
	return nil
}

// --- resolve -----------------------------------------------------------------

func newResolveCmd() *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <item-id>",
		Short: "Settle a conflict held for a user decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			var keepLocal bool
			switch keep {
			case "local":
				keepLocal = true
			case "remote":
			default:
				return fmt.Errorf(`--keep must be "local" or "remote"`)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runResolve(ctx, cmd, id, keepLocal)
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "which version wins: local or remote")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

func runResolve(ctx context.Context, cmd *cobra.Command, itemID int64, keepLocal bool) error {
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	it, err := a.cache.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("item %d: %w", itemID, err)
	}
	if err := a.orch.ResolveConflict(ctx, itemID, keepLocal); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ conflict on %q resolved\n", it.Title)

	if !keepLocal {
		return nil
	}
	rep, err := a.sched.RunSync(ctx, syncp.Request{CollectionID: it.CollectionID, Mode: syncp.ModePushOnly})
	if err != nil {
		return err
	}
	logReport(a.log, rep)
	return rep.Err()
}
