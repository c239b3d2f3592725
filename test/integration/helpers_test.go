package integration

import (
	"fmt"
	"testing"

	"github.com/ChuLiYu/refreshtree/internal/content"
	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/internal/searchindex"
	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/stretchr/testify/require"
)

// generateTree 建立 sections 個區段、每個區段 perSection 個項目的內容樹
// 回傳 store 與樹中項目總數
func generateTree(tb testing.TB, sections, perSection int) (*content.Store, int) {
	tb.Helper()

	home := &content.Node{ID: "home", Name: "home", Fields: map[string]string{"title": "Home"}}
	for s := 0; s < sections; s++ {
		section := &content.Node{ID: fmt.Sprintf("s%03d", s), Name: fmt.Sprintf("section-%d", s)}
		for i := 0; i < perSection; i++ {
			section.Children = append(section.Children, &content.Node{
				ID:     fmt.Sprintf("s%03d-i%04d", s, i),
				Name:   fmt.Sprintf("item-%d", i),
				Fields: map[string]string{"body": fmt.Sprintf("generated item %d of section %d", i, s)},
			})
		}
		home.Children = append(home.Children, section)
	}
	root := &content.Node{ID: "root", Name: "sitecore", Children: []*content.Node{
		{ID: "content", Name: "content", Children: []*content.Node{home}},
	}}

	store, err := content.New("master", root)
	require.NoError(tb, err)
	return store, 1 + sections + sections*perSection
}

type stack struct {
	store    *content.Store
	bus      *event.Bus
	jobs     *jobmanager.JobManager
	registry *registry.Registry
	indexes  []*searchindex.Index
}

// newStack 組裝完整的刷新環境；paths 為空字串的索引放在記憶體中
func newStack(tb testing.TB, store *content.Store, configs []searchindex.Config) *stack {
	tb.Helper()

	jobs, err := jobmanager.New(jobmanager.Config{WorkerCount: 4, BufferSize: 16})
	require.NoError(tb, err)

	s := &stack{store: store, bus: event.NewBus(), jobs: jobs, registry: registry.New()}
	for _, ic := range configs {
		idx, err := searchindex.New(ic, store, s.bus)
		require.NoError(tb, err)
		require.NoError(tb, s.registry.Add(idx))
		s.indexes = append(s.indexes, idx)
	}

	tb.Cleanup(func() {
		jobs.Close()
		for _, idx := range s.indexes {
			idx.Close()
		}
	})
	return s
}

func defaultIndexes() []searchindex.Config {
	return []searchindex.Config{
		{ID: "sitecore_master_index", Group: types.GroupMaster, BatchSize: 50},
		{ID: "sitecore_web_index", Group: types.GroupWeb, BatchSize: 50},
		{ID: "sitecore_core_index", Group: types.GroupCore, BatchSize: 50},
		{ID: "sitecore_analytics_index", Group: types.GroupExperience, BatchSize: 50},
	}
}
