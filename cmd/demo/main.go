package main

// ============================================================================
// 職責說明：
// 以記憶體中的內容樹示範一次完整的 tree refresh，
// 一邊等待一邊顯示 owner 任務累積的進度訊息
//
// 使用方式：
//   go run ./cmd/demo [sections] [items-per-section]
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/refreshtree/internal/content"
	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/refresh"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/internal/searchindex"
	"github.com/ChuLiYu/refreshtree/pkg/types"
)

func main() {
	sections, perSection := 5, 200
	if len(os.Args) > 1 {
		sections = atoi(os.Args[1], sections)
	}
	if len(os.Args) > 2 {
		perSection = atoi(os.Args[2], perSection)
	}

	if err := run(sections, perSection); err != nil {
		slog.Error("Demo failed", "error", err)
		os.Exit(1)
	}
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func run(sections, perSection int) error {
	store, err := buildTree(sections, perSection)
	if err != nil {
		return err
	}

	bus := event.NewBus()
	jobs, err := jobmanager.New(jobmanager.DefaultConfig())
	if err != nil {
		return err
	}
	defer jobs.Close()

	reg := registry.New()
	for _, ic := range []searchindex.Config{
		{ID: "sitecore_master_index", Group: types.GroupMaster},
		{ID: "sitecore_web_index", Group: types.GroupWeb},
		{ID: "sitecore_analytics_index", Group: types.GroupExperience},
	} {
		idx, err := searchindex.New(ic, store, bus)
		if err != nil {
			return err
		}
		defer idx.Close()
		if err := reg.Add(idx); err != nil {
			return err
		}
	}

	home, _ := store.Get("home")
	owner, err := jobs.Create(fmt.Sprintf("Re-index tree (%s)", home.Path()))
	if err != nil {
		return err
	}

	fmt.Printf("✓ %d items, %d indexes (skipping %s)\n", store.Len(), reg.Len(), types.GroupExperience)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 顯示進度直到刷新結束
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if status, ok := jobs.Status(owner); ok {
					fmt.Printf("\r  progress: %d items indexed", status.MessageCount())
				}
			}
		}
	}()

	refresher := refresh.New(reg, jobs, bus, refresh.Config{}, nil)
	res, err := refresher.Run(ctx, types.RefreshRequest{
		StartNode:  store.Ref(home),
		SkipGroups: []types.GroupID{types.GroupExperience},
		Owner:      owner,
	})
	close(done)

	failed := err != nil || !res.Succeeded()
	if cerr := jobs.Complete(owner, failed); cerr != nil {
		slog.Warn("Failed to complete owner job", "error", cerr)
	}

	status, _ := jobs.Status(owner)
	fmt.Printf("\r  progress: %d items indexed\n", status.MessageCount())
	fmt.Printf("  jobs: %d, took %s\n", len(res.Jobs), res.Duration.Round(time.Millisecond))
	if failed {
		fmt.Println("Re-index tree failed.")
		return err
	}
	fmt.Println("Re-index tree complete.")
	return nil
}

func buildTree(sections, perSection int) (*content.Store, error) {
	home := &content.Node{ID: "home", Name: "home"}
	for s := 0; s < sections; s++ {
		section := &content.Node{ID: fmt.Sprintf("s%d", s), Name: fmt.Sprintf("section-%d", s)}
		for i := 0; i < perSection; i++ {
			section.Children = append(section.Children, &content.Node{
				ID:     fmt.Sprintf("s%d-%d", s, i),
				Name:   fmt.Sprintf("page-%d", i),
				Fields: map[string]string{"title": fmt.Sprintf("Page %d", i)},
			})
		}
		home.Children = append(home.Children, section)
	}
	return content.New("master", &content.Node{ID: "root", Name: "sitecore", Children: []*content.Node{
		{ID: "content", Name: "content", Children: []*content.Node{home}},
	}})
}
