package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"driftwire/internal/aggregate"
	"driftwire/internal/cmdlog"
	"driftwire/internal/config"
	"driftwire/internal/jobs"
	"driftwire/internal/metrics"
	"driftwire/internal/model"
	"driftwire/internal/theme"
	"driftwire/internal/util"
	"driftwire/internal/web"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("init", func() error {
				path, _ := cmd.Flags().GetString("config")
				cfg := config.Default()
				cfg.Account.Identity, _ = cmd.Flags().GetString("identity")
				if err := config.Save(path, cfg); err != nil {
					return err
				}
				abs, _ := filepath.Abs(path)
				theme.FprintBanner(cmd.OutOrStdout())
				fmt.Fprintln(cmd.OutOrStdout(), "Config written to:", abs)
				return nil
			})
		},
	}
	cmd.Flags().String("identity", "", "handle or DID to sync")
	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync for the configured identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("sync", func() error {
				a, err := openApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				id, err := a.identity(cmd)
				if err != nil {
					return err
				}
				full, _ := cmd.Flags().GetBool("full")
				pages, _ := cmd.Flags().GetInt("notifications")
				ctx, cancel := signalContext(cmd.Context())
				defer cancel()

				out := cmd.OutOrStdout()
				res, err := a.engine.SyncUser(ctx, id, jobs.Options{FullSync: full}, func(msg string, pct int) {
					fmt.Fprintf(out, "[%3d%%] %s\n", pct, msg)
				})
				if err != nil {
					fmt.Fprintf(out, "sync %s: %s\n", theme.Status(string(res.State)), err)
					return err
				}
				fmt.Fprintf(out, "sync %s (%s): %d stored, %d refreshed, %d refresh failures, %d engagers\n",
					theme.Status(string(res.State)), res.Strategy, res.PostsStored, res.PostsRefreshed, res.RefreshFailures, res.EngagersUpdated)
				if pages > 0 {
					n, err := a.engine.FetchNotifications(ctx, pages)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "cached %d notifications\n", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("full", false, "ignore the cache and fetch the whole feed")
	cmd.Flags().String("identity", "", "override account.identity")
	cmd.Flags().Int("notifications", 1, "notification pages to cache after syncing (0 = none)")
	return cmd
}

func newLoopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Sync on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.identity(cmd)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = a.cfg.Sync.Interval
			}
			metrics.StartServer(a.cfg.Metrics.Addr)
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			err = jobs.RunSyncLoop(ctx, a.engine, id, interval, 1)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Duration("interval", 0, "sync interval (default sync.interval)")
	cmd.Flags().String("identity", "", "override account.identity")
	return cmd
}

func printEvents(w io.Writer, events []model.Event) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	for _, e := range events {
		mark := " "
		if !e.Read {
			mark = "•"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, humanize.Time(e.CreatedAt), e.Category, e.Actor(), util.Truncate(util.NormalizeWhitespace(e.Text), 60))
	}
	_ = tw.Flush()
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List cached events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			cat, _ := cmd.Flags().GetString("category")
			out := cmd.OutOrStdout()
			if cat != "" {
				c, err := model.ParseCategory(cat)
				if err != nil {
					return err
				}
				events, err := a.cache.GetByCategory(cmd.Context(), c, limit)
				if err != nil {
					return err
				}
				printEvents(out, events)
				return nil
			}
			page, err := a.cache.GetCached(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			printEvents(out, page.Events)
			fmt.Fprintf(out, "\n%d of %s cached", offset+len(page.Events), humanize.Comma(int64(page.Total)))
			if page.HasMore {
				fmt.Fprintf(out, " (more: --offset %d)", offset+len(page.Events))
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().Int("limit", 30, "events to show")
	cmd.Flags().Int("offset", 0, "events to skip")
	cmd.Flags().String("category", "", "only this category (like, repost, follow, mention, reply, quote)")
	return cmd
}

func newUnreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "List unread events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			events, err := a.cache.GetUnread(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "events to show")
	return cmd
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <key>...",
		Short: "Mark events as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("read", func() error {
				a, err := openApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				n, err := a.cache.MarkManyRead(cmd.Context(), args)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d of %d read\n", n, len(args))
				return nil
			})
		},
	}
}

func newGroupedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grouped",
		Short: "Show recent events grouped into bursts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			page, err := a.cache.GetCached(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			for _, u := range aggregate.Aggregate(page.Events, a.cfg.Aggregate.Window) {
				fmt.Fprintf(tw, "%s\t%s\n", humanize.Time(u.Latest), aggregate.Summarize(u))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 100, "events to group")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.cache.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			stale, _ := a.cache.IsStale(cmd.Context(), a.cfg.Sync.StaleMinutes)
			out := cmd.OutOrStdout()
			last := "never"
			if !st.LastFetch.IsZero() {
				last = humanize.Time(st.LastFetch)
			}
			fmt.Fprintf(out, "events:      %s (%s unread)\n", humanize.Comma(int64(st.TotalEvents)), humanize.Comma(int64(st.Unread)))
			cats := make([]string, 0, len(st.ByCategory))
			for c, n := range st.ByCategory {
				cats = append(cats, fmt.Sprintf("%s=%d", c, n))
			}
			sort.Strings(cats)
			fmt.Fprintf(out, "categories:  %s\n", strings.Join(cats, " "))
			fmt.Fprintf(out, "posts:       %s (%d daily snapshots)\n", humanize.Comma(int64(st.CachedPosts)), st.Snapshots)
			fmt.Fprintf(out, "last fetch:  %s (stale: %v)\n", last, stale)
			fmt.Fprintf(out, "pages:       %v\n", st.KnownPages)
			if s := st.LatestSnapshot; s != nil {
				fmt.Fprintf(out, "snapshot %s: %s followers, %s posts, rate %.4f, %.1f likes/post\n",
					s.Date, humanize.Comma(int64(s.Followers)), humanize.Comma(int64(s.PostsCount)), s.EngagementRate, s.AvgLikesPerPost)
			}
			top, err := a.db.TopEngagers(cmd.Context(), 5)
			if err != nil {
				return err
			}
			for i, e := range top {
				fmt.Fprintf(out, "%d. %s  %d interactions, last seen %s\n", i+1, e.Handle, e.TotalInteractions, humanize.Time(e.LastSeen))
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Import the legacy flat cache file, if present",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("migrate", func() error {
				// openApp already attempts the import; report what is left
				a, err := openApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				n, err := a.db.MigrateLegacy(cmd.Context(), a.cfg.Storage.LegacyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %d events\n", n)
				return nil
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON read API (and optionally sync in the background)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = a.cfg.Web.Addr
			}
			withLoop, _ := cmd.Flags().GetBool("loop")
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			metrics.StartServer(a.cfg.Metrics.Addr)
			go a.group.RunSweeper(ctx, time.Minute, 10*time.Minute)
			if withLoop && a.cfg.Account.Identity != "" {
				go func() { _ = jobs.RunSyncLoop(ctx, a.engine, a.cfg.Account.Identity, a.cfg.Sync.Interval, 1) }()
			}
			errc := make(chan error, 1)
			go func() {
				errc <- web.Serve(addr, &web.Server{
					DB:           a.db,
					Cache:        a.cache,
					Engine:       a.engine,
					Group:        a.group,
					Identity:     a.cfg.Account.Identity,
					Window:       a.cfg.Aggregate.Window,
					StaleMinutes: a.cfg.Sync.StaleMinutes,
				})
			}()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				return nil
			}
		},
	}
	cmd.Flags().String("addr", "", "listen address (default web.addr)")
	cmd.Flags().Bool("loop", false, "also run the periodic sync loop")
	return cmd
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached row",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			return cmdlog.Run("clear", func() error {
				a, err := openApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				if err := a.cache.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm")
	return cmd
}
