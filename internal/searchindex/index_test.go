package searchindex

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/refreshtree/internal/content"
	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTree = `
database: master
root:
  id: root
  name: sitecore
  children:
    - id: content
      name: content
      children:
        - id: home
          name: home
          fields:
            title: Welcome home
          children:
            - id: about
              name: about
              fields:
                title: About the company
            - id: news
              name: news
              fields:
                body: Quarterly results announced
    - id: system
      name: system
`

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	params [][]any
}

func (p *recordingPublisher) Publish(topic string, params ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.params = append(p.params, params)
}

func (p *recordingPublisher) paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.params))
	for _, ps := range p.params {
		out = append(out, ps[2].(string))
	}
	return out
}

func newTestIndex(t *testing.T, batchSize int) (*Index, *content.Store, *recordingPublisher) {
	t.Helper()
	store, err := content.Parse([]byte(testTree))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	idx, err := New(Config{ID: "sitecore_master_index", Group: types.GroupMaster, BatchSize: batchSize}, store, pub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, store, pub
}

func ref(t *testing.T, store *content.Store, id string) types.NodeRef {
	t.Helper()
	n, ok := store.Get(id)
	require.True(t, ok)
	return *store.Ref(n)
}

func TestNew(t *testing.T) {
	store, err := content.Parse([]byte(testTree))
	require.NoError(t, err)

	_, err = New(Config{}, store, nil)
	assert.Error(t, err)

	_, err = New(Config{ID: "x"}, nil, nil)
	assert.Error(t, err)

	idx, err := New(Config{ID: "x", Group: types.GroupWeb}, store, nil)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, "x", idx.ID())
	assert.Equal(t, types.GroupWeb, idx.Group())
}

func TestRefreshPublishesEveryItem(t *testing.T) {
	// batch size 2 forces several batches
	idx, store, pub := newTestIndex(t, 2)

	require.NoError(t, idx.Refresh(context.Background(), ref(t, store, "home")))

	assert.Equal(t, []string{
		"/sitecore/content/home",
		"/sitecore/content/home/about",
		"/sitecore/content/home/news",
	}, pub.paths())

	for _, topic := range pub.topics {
		assert.Equal(t, event.TopicItemIndexed, topic)
	}
	assert.Equal(t, []any{"sitecore_master_index", "home", "/sitecore/content/home"}, pub.params[0])

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestRefreshPublishesScope(t *testing.T) {
	idx, store, pub := newTestIndex(t, 0)

	ctx := event.WithScope(context.Background(), "run-1")
	require.NoError(t, idx.Refresh(ctx, ref(t, store, "about")))

	require.Len(t, pub.params, 1)
	assert.Equal(t, []any{"sitecore_master_index", "about", "/sitecore/content/home/about", event.Scope("run-1")}, pub.params[0])
}

func TestRefreshIsIdempotent(t *testing.T) {
	idx, store, _ := newTestIndex(t, 0)

	require.NoError(t, idx.Refresh(context.Background(), ref(t, store, "root")))
	require.NoError(t, idx.Refresh(context.Background(), ref(t, store, "home")))
	require.NoError(t, idx.Refresh(context.Background(), ref(t, store, "root")))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), count)
}

func TestRefreshUnknownNode(t *testing.T) {
	idx, _, pub := newTestIndex(t, 0)

	err := idx.Refresh(context.Background(), types.NodeRef{ID: "ghost", Database: "master", Path: "/ghost"})
	assert.ErrorIs(t, err, content.ErrNodeNotFound)
	assert.Empty(t, pub.paths())
}

func TestRefreshOtherDatabase(t *testing.T) {
	idx, _, _ := newTestIndex(t, 0)

	err := idx.Refresh(context.Background(), types.NodeRef{ID: "home", Database: "web", Path: "/sitecore/content/home"})
	assert.ErrorIs(t, err, content.ErrNodeNotFound)
}

func TestRefreshCancelled(t *testing.T) {
	idx, store, pub := newTestIndex(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := idx.Refresh(ctx, ref(t, store, "root"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.paths())
}

func TestSearch(t *testing.T) {
	idx, store, _ := newTestIndex(t, 0)
	require.NoError(t, idx.Refresh(context.Background(), ref(t, store, "root")))

	hits, err := idx.Search(context.Background(), "quarterly", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "news", hits[0].ItemID)
	assert.Equal(t, "/sitecore/content/home/news", hits[0].Path)

	hits, err = idx.Search(context.Background(), "nothingmatches", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestPersistentIndex(t *testing.T) {
	store, err := content.Parse([]byte(testTree))
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "master.bleve")

	idx, err := New(Config{ID: "sitecore_master_index", Path: dir}, store, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Refresh(context.Background(), *store.Ref(store.Root())))
	require.NoError(t, idx.Close())

	reopened, err := New(Config{ID: "sitecore_master_index", Path: dir}, store, nil)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), count)
}
