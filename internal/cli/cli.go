// ============================================================================
// Refreshtree CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on Cobra framework
//
// Command Structure:
//   refreshtree                    # Root command
//   ├── refresh                    # Re-index a content subtree in every index
//   │   ├── --node, -n            # Item URI, content://<database>/<id>
//   │   ├── --skip-group          # Index group to skip (repeatable)
//   │   ├── --no-skip             # Do not skip any group
//   │   └── --report, -r          # Write a JSON run report
//   ├── indexes                    # List configured indexes
//   ├── search                     # Full-text search in one index
//   │   ├── --index, -i
//   │   └── --limit
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --env                      # .env file (default: .env)
//   └── --version
//
// Configuration Management:
//   Uses YAML format config file. Missing file means defaults.
//   Configuration items include:
//   - refresh: poll interval, max wait, default skip groups
//   - worker: worker count, task timeout, buffer size
//   - content: content tree file
//   - indexes: id / group / path of every search index
//   - metrics: Prometheus monitoring configuration
//   - log_level: overridden by REFRESHTREE_LOG_LEVEL
//
// refresh Command:
//   1. Resolve the item URI; an unknown item prints "Nothing to do" (exit 0)
//   2. Create the owner job "Re-index tree (<path>)"
//   3. Run the refresh, serving /metrics alongside it (if enabled)
//   4. Complete the owner job and print the outcome
//   5. Write the report (if --report)
//   6. Forget the finished jobs of this run
//
//   A failed job or a rejected job submission makes the outcome
//   "Re-index tree failed." and the exit status non-zero.
//
//   Examples:
//     ./refreshtree refresh -n content://master/0003
//     ./refreshtree refresh -n content://master/0003 --no-skip -r out/report.json
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the running refresh. The progress subscription
//   is released and the outcome is reported as failed.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"

	"github.com/ChuLiYu/refreshtree/internal/content"
	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/metrics"
	"github.com/ChuLiYu/refreshtree/internal/refresh"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/internal/report"
	"github.com/ChuLiYu/refreshtree/internal/searchindex"
	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrRefreshFailed 至少一個索引任務失敗或被拒絕
var ErrRefreshFailed = errors.New("tree refresh failed")

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "refreshtree",
		Short: "Refreshtree: re-index a content subtree across search indexes",
		Long: `Refreshtree rebuilds the search index entries of a content subtree with:
- One asynchronous job per index, skipping selected index groups
- Live progress (item paths) collected on an owner job
- A single complete / failed outcome
- Prometheus metrics and a JSON run report`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", ".env file path")

	rootCmd.AddCommand(buildRefreshCommand())
	rootCmd.AddCommand(buildIndexesCommand())
	rootCmd.AddCommand(buildSearchCommand())

	return rootCmd
}

// prepare 載入 .env、設定檔並安裝 logger
func prepare(cmd *cobra.Command) (*Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := setupLogging(cmd.ErrOrStderr(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// refresh
// ============================================================================

type refreshOptions struct {
	node       string
	skipGroups []string
	noSkip     bool
	reportPath string
}

func buildRefreshCommand() *cobra.Command {
	var opts refreshOptions

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-index a content subtree in every index",
		Long: `Submit one refresh job per index whose group is not skipped, wait for all of them and report the outcome.

Outcome and exit status:
  Re-index tree complete.  every job finished without error (exit 0)
  Re-index tree failed.    a job failed, a job submission was rejected
                           (e.g. the job service was shutting down) or
                           the run was interrupted (exit 1)
  Nothing to do            --node is not an item in the content tree (exit 0)

Jobs that were submitted before a rejection still run to completion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRefresh(ctx, cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.node, "node", "n", "", "item URI, e.g. content://master/0003")
	cmd.Flags().StringArrayVar(&opts.skipGroups, "skip-group", nil, "index group to skip (repeatable)")
	cmd.Flags().BoolVar(&opts.noSkip, "no-skip", false, "refresh every index group")
	cmd.Flags().StringVarP(&opts.reportPath, "report", "r", "", "write a JSON run report to this file")
	cmd.MarkFlagRequired("node")
	cmd.MarkFlagsMutuallyExclusive("skip-group", "no-skip")

	return cmd
}

// resolveSkipGroups 決定要略過的群組
//
//   - --no-skip: 不略過
//   - --skip-group: 使用命令列指定的群組
//   - 其他: 使用設定檔的 default_skip_groups
func resolveSkipGroups(cfg *Config, opts refreshOptions) []types.GroupID {
	if opts.noSkip {
		return nil
	}
	if len(opts.skipGroups) > 0 {
		groups := make([]types.GroupID, 0, len(opts.skipGroups))
		for _, g := range opts.skipGroups {
			groups = append(groups, types.GroupID(g))
		}
		return groups
	}
	return cfg.Refresh.DefaultSkipGroups
}

func runRefresh(ctx context.Context, out io.Writer, cfg *Config, opts refreshOptions) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	node, err := a.store.Resolve(opts.node)
	if err != nil {
		if errors.Is(err, content.ErrNodeNotFound) {
			fmt.Fprintf(out, "Nothing to do: %s is not an item\n", opts.node)
			return nil
		}
		return err
	}

	owner, err := a.jobs.Create(fmt.Sprintf("Re-index tree (%s)", node.Path))
	if err != nil {
		return fmt.Errorf("failed to create owner job: %w", err)
	}
	req := types.RefreshRequest{
		StartNode:  node,
		SkipGroups: resolveSkipGroups(cfg, opts),
		Owner:      owner,
	}
	for _, g := range unmatchedSkipGroups(a.registry, req.SkipGroups) {
		slog.Warn("Skip group matches no configured index", "group", g)
	}
	refresher := refresh.New(a.registry, a.jobs, a.bus, cfg.RefreshConfig(), a.metrics)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(gctx)
	defer stopRun()

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.Serve(runCtx, cfg.Metrics.Port, a.promReg); err != nil {
				slog.Warn("Metrics server error", "error", err)
			}
			return nil
		})
	}

	var res refresh.Result
	g.Go(func() error {
		// 刷新結束即關閉 metrics server
		defer stopRun()
		var err error
		res, err = refresher.Run(runCtx, req)
		return err
	})
	runErr := g.Wait()

	outcome, exitErr := refreshOutcome(res, runErr)
	failed := exitErr != nil
	if err := a.jobs.Complete(owner, failed); err != nil {
		slog.Warn("Failed to complete owner job", "handle", owner, "error", err)
	}
	a.syncJobStats()

	views := a.jobs.Snapshot()
	// 快照之後記錄就不再需要
	defer forgetJobs(a.jobs, owner, res.Jobs)

	printOwner(out, a.jobs, owner)
	printJobs(out, res.Jobs, views)
	if res.SubmitErr != nil {
		fmt.Fprintf(out, "Submission errors: %v\n", res.SubmitErr)
	}

	if opts.reportPath != "" {
		r := report.Build(req, res, views)
		if runErr != nil {
			r.Failed = true
			r.Outcome = report.OutcomeFailed
		}
		if err := report.NewManager(opts.reportPath).WriteWithBackup(r, cfg.Refresh.ReportBackups); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		slog.Info("Report written", "path", opts.reportPath)
	}

	fmt.Fprintln(out, outcome)
	return exitErr
}

// refreshOutcome 決定輸出的結果字串與命令的錯誤 (非零結束碼)
//
//   - runErr != nil: 回傳 runErr
//   - 任一任務失敗或提交被拒絕: 回傳 ErrRefreshFailed
func refreshOutcome(res refresh.Result, runErr error) (string, error) {
	if runErr != nil {
		return report.OutcomeFailed, runErr
	}
	if !res.Succeeded() {
		return report.OutcomeFailed, ErrRefreshFailed
	}
	return report.OutcomeComplete, nil
}

// unmatchedSkipGroups 回傳沒有任何索引屬於的略過群組，通常是拼字錯誤
func unmatchedSkipGroups(reg *registry.Registry, groups []types.GroupID) []types.GroupID {
	var unmatched []types.GroupID
	for _, g := range groups {
		if len(reg.ByGroup(g)) == 0 {
			unmatched = append(unmatched, g)
		}
	}
	return unmatched
}

// forgetJobs 移除 owner 與索引任務的記錄
// 仍在執行中的任務 (例如被取消的執行) 會保留，回傳實際移除的數量
func forgetJobs(jobs *jobmanager.JobManager, owner types.JobHandle, refreshJobs []types.RefreshJob) int {
	handles := make([]types.JobHandle, 0, len(refreshJobs)+1)
	handles = append(handles, owner)
	for _, job := range refreshJobs {
		handles = append(handles, job.Handle)
	}

	forgotten := 0
	for _, h := range handles {
		if err := jobs.Forget(h); err != nil {
			slog.Debug("Job record kept", "handle", h, "error", err)
			continue
		}
		forgotten++
	}
	return forgotten
}

// printOwner 輸出 owner 任務的摘要
func printOwner(out io.Writer, jobs *jobmanager.JobManager, owner types.JobHandle) {
	job, ok := jobs.GetJob(owner)
	if !ok {
		return
	}
	items := 0
	if status, ok := jobs.Status(owner); ok {
		items = status.MessageCount()
	}
	fmt.Fprintf(out, "%s: %s, %d items reported\n", job.Name, job.State, items)
}

// printJobs 輸出每個索引任務的最終狀態
func printJobs(out io.Writer, jobs []types.RefreshJob, views []jobmanager.JobView) {
	byHandle := make(map[types.JobHandle]jobmanager.JobView, len(views))
	for _, v := range views {
		byHandle[v.Handle] = v
	}
	for _, job := range jobs {
		v, ok := byHandle[job.Handle]
		if !ok {
			fmt.Fprintf(out, "  %-32s unknown\n", job.IndexID)
			continue
		}
		line := fmt.Sprintf("  %-32s %s", job.IndexID, v.State)
		if v.Error != "" {
			line += ": " + v.Error
		}
		fmt.Fprintln(out, line)
	}
}

// ============================================================================
// indexes
// ============================================================================

func buildIndexesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "List configured indexes",
		Long:  "Display every configured index with its group and document count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			return runIndexes(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func runIndexes(out io.Writer, cfg *Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	descriptors := a.registry.Descriptors()
	if len(descriptors) == 0 {
		fmt.Fprintln(out, "No indexes configured")
		return nil
	}

	fmt.Fprintf(out, "Content: %s (%d items, database %s)\n", cfg.Content.File, a.store.Len(), a.store.Database())
	for _, d := range descriptors {
		count, err := a.indexes[d.ID].Count()
		if err != nil {
			return fmt.Errorf("index %s: %w", d.ID, err)
		}
		fmt.Fprintf(out, "  %-32s %-12s %d docs\n", d.ID, d.Group, count)
	}
	return nil
}

// ============================================================================
// search
// ============================================================================

func buildSearchCommand() *cobra.Command {
	var indexID string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search in one index",
		Long:  "Search item names and field values. An empty in-memory index is built from the whole tree first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), cmd.OutOrStdout(), cfg, indexID, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&indexID, "index", "i", "", "index id")
	cmd.Flags().IntVar(&limit, "limit", searchindex.DefaultSearchLimit, "maximum number of hits")
	cmd.MarkFlagRequired("index")

	return cmd
}

func runSearch(ctx context.Context, out io.Writer, cfg *Config, indexID, query string, limit int) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	idx, ok := a.indexes[indexID]
	if !ok {
		known := make([]string, 0, len(a.indexes))
		for id := range a.indexes {
			known = append(known, id)
		}
		sort.Strings(known)
		return fmt.Errorf("unknown index %q (known: %v)", indexID, known)
	}

	count, err := idx.Count()
	if err != nil {
		return err
	}
	if count == 0 {
		if err := idx.Refresh(ctx, *a.store.Ref(a.store.Root())); err != nil {
			return fmt.Errorf("failed to build index %s: %w", indexID, err)
		}
	}

	hits, err := idx.Search(ctx, query, limit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out, "%.3f  %s  %s\n", h.Score, content.FormatURI(types.NodeRef{ID: h.ItemID, Database: a.store.Database()}), h.Path)
	}
	return nil
}

