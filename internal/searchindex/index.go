// Package searchindex is a bleve-backed search index over the content tree.
// A refresh rebuilds the entries of one subtree and publishes an
// "item indexed" notification for every item it writes.
package searchindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/ChuLiYu/refreshtree/internal/content"
	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/pkg/types"
)

var log = slog.Default()

// DefaultBatchSize is the number of items written per bleve batch.
const DefaultBatchSize = 100

// DefaultSearchLimit caps Search results when no limit is given.
const DefaultSearchLimit = 10

// Publisher receives item-indexed notifications.
type Publisher interface {
	Publish(topic string, params ...any)
}

// Config configures one index.
type Config struct {
	ID        string
	Group     types.GroupID
	Path      string // bleve directory; empty keeps the index in memory
	BatchSize int
}

// Index is one search index. It implements registry.Index.
type Index struct {
	id        string
	group     types.GroupID
	path      string
	batchSize int

	index bleve.Index
	store *content.Store
	pub   Publisher
}

var _ registry.Index = (*Index)(nil)

// itemDoc is the document structure indexed by bleve.
type itemDoc struct {
	ItemID   string `json:"item_id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Database string `json:"database"`
	Content  string `json:"content"`
}

// Hit is one search result.
type Hit struct {
	ItemID string
	Path   string
	Score  float64
}

// New creates or opens the index described by cfg. pub may be nil.
func New(cfg Config, store *content.Store, pub Publisher) (*Index, error) {
	if cfg.ID == "" {
		return nil, registry.ErrEmptyIndexID
	}
	if store == nil {
		return nil, fmt.Errorf("index %s: content store is nil", cfg.ID)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	idx, err := openOrCreate(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", cfg.ID, err)
	}

	return &Index{
		id:        cfg.ID,
		group:     cfg.Group,
		path:      cfg.Path,
		batchSize: cfg.BatchSize,
		index:     idx,
		store:     store,
		pub:       pub,
	}, nil
}

func openOrCreate(path string) (bleve.Index, error) {
	if path == "" {
		return bleve.NewMemOnly(buildIndexMapping())
	}

	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	// If the path exists but bleve.Open failed, the index is corrupt or incompatible.
	if _, statErr := os.Stat(path); statErr == nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}

	idx, err = bleve.New(path, buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return idx, nil
}

func buildIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = "en"
	textField.Store = false
	docMapping.AddFieldMappingsAt("name", textField)
	docMapping.AddFieldMappingsAt("content", textField)

	// path is stored so search hits can report it
	pathField := bleve.NewKeywordFieldMapping()
	pathField.Store = true
	docMapping.AddFieldMappingsAt("path", pathField)

	keywordField := bleve.NewKeywordFieldMapping()
	keywordField.Store = false
	docMapping.AddFieldMappingsAt("item_id", keywordField)
	docMapping.AddFieldMappingsAt("database", keywordField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// ID returns the index identifier.
func (i *Index) ID() string { return i.id }

// Group returns the index group.
func (i *Index) Group() types.GroupID { return i.group }

// Refresh drops every entry under node and re-indexes the subtree from the
// content store. Items are written in batches; after each batch commits, one
// notification per item is published in tree order.
func (i *Index) Refresh(ctx context.Context, node types.NodeRef) error {
	if node.Database != "" && node.Database != i.store.Database() {
		return fmt.Errorf("index %s: %w: database %q", i.id, content.ErrNodeNotFound, node.Database)
	}

	removed, err := i.deleteSubtree(ctx, node.Path)
	if err != nil {
		return err
	}

	scope := event.ScopeFrom(ctx)
	batch := i.index.NewBatch()
	var pending []*content.Node
	indexed := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := i.index.Batch(batch); err != nil {
			return fmt.Errorf("index %s: batch: %w", i.id, err)
		}
		for _, n := range pending {
			i.publish(scope, n)
		}
		indexed += len(pending)
		batch.Reset()
		pending = pending[:0]
		return nil
	}

	err = i.store.Walk(node, func(n *content.Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Index(n.ID, i.toDoc(n)); err != nil {
			return fmt.Errorf("index %s: item %s: %w", i.id, n.ID, err)
		}
		pending = append(pending, n)
		if len(pending) >= i.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	log.Debug("Index refreshed", "index", i.id, "node", node.Path, "removed", removed, "indexed", indexed)
	return nil
}

func (i *Index) publish(scope event.Scope, n *content.Node) {
	if i.pub == nil {
		return
	}
	if scope == "" {
		i.pub.Publish(event.TopicItemIndexed, i.id, n.ID, n.Path())
		return
	}
	i.pub.Publish(event.TopicItemIndexed, i.id, n.ID, n.Path(), scope)
}

// deleteSubtree removes the entry at root and every entry below it.
func (i *Index) deleteSubtree(ctx context.Context, root string) (int, error) {
	if root == "" {
		return 0, nil
	}

	exact := bleve.NewTermQuery(root)
	exact.SetField("path")
	below := bleve.NewPrefixQuery(strings.TrimSuffix(root, "/") + "/")
	below.SetField("path")
	q := bleve.NewDisjunctionQuery(exact, below)

	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		req := bleve.NewSearchRequestOptions(q, i.batchSize, 0, false)
		res, err := i.index.SearchInContext(ctx, req)
		if err != nil {
			return removed, fmt.Errorf("index %s: find stale entries: %w", i.id, err)
		}
		if len(res.Hits) == 0 {
			return removed, nil
		}
		batch := i.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := i.index.Batch(batch); err != nil {
			return removed, fmt.Errorf("index %s: delete stale entries: %w", i.id, err)
		}
		removed += len(res.Hits)
	}
}

func (i *Index) toDoc(n *content.Node) itemDoc {
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, n.Fields[k])
	}

	return itemDoc{
		ItemID:   n.ID,
		Name:     n.Name,
		Path:     n.Path(),
		Database: i.store.Database(),
		Content:  strings.Join(values, " "),
	}
}

// Search runs a full-text query over item names and field values.
func (i *Index) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	fields := []string{"name", "content"}
	fieldQueries := make([]blevequery.Query, 0, len(fields))
	for _, field := range fields {
		q := bleve.NewMatchQuery(text)
		q.SetField(field)
		fieldQueries = append(fieldQueries, q)
	}
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(fieldQueries...))
	req.Size = limit
	req.Fields = []string{"path"}

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		path, _ := h.Fields["path"].(string)
		hits = append(hits, Hit{ItemID: h.ID, Path: path, Score: h.Score})
	}
	return hits, nil
}

// Count returns the number of indexed items.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// Close closes the bleve index.
func (i *Index) Close() error {
	return i.index.Close()
}
