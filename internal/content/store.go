// ============================================================================
// Refreshtree Content Store - content tree loaded from YAML
// ============================================================================
//
// Package: internal/content
// File: store.go
// Purpose: Holds the content tree that indexes crawl, resolves stable item
// URIs into node references, and walks subtrees for a refresh.
//
// File format:
//
//	database: master
//	root:
//	  id: "0001"
//	  name: sitecore
//	  children:
//	    - id: "0002"
//	      name: content
//	      fields: {title: Content}
//
// Node paths are built from names: /sitecore/content/home
//
// URI format:
//
//	content://<database>/<id>
//
// ============================================================================

package content

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ChuLiYu/refreshtree/pkg/types"
	"gopkg.in/yaml.v3"
)

// URIScheme is the scheme of item URIs handled by Resolve.
const URIScheme = "content"

var (
	// ErrNodeNotFound indicates the identifier does not match any node
	ErrNodeNotFound = errors.New("content: node not found")
	// ErrInvalidURI indicates the item URI could not be parsed
	ErrInvalidURI = errors.New("content: invalid item uri")
	// ErrDuplicateNode indicates two nodes share one ID
	ErrDuplicateNode = errors.New("content: duplicate node id")
	// ErrEmptyTree indicates the tree has no root
	ErrEmptyTree = errors.New("content: tree has no root")
)

// Node is one item of the content tree.
type Node struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Fields   map[string]string `yaml:"fields,omitempty"`
	Children []*Node           `yaml:"children,omitempty"`

	path string
}

// Path returns the content path of the node, e.g. /sitecore/content/home.
func (n *Node) Path() string { return n.path }

// Store is a read-only content tree for one database.
type Store struct {
	database string
	root     *Node
	byID     map[string]*Node
}

type treeFile struct {
	Database string `yaml:"database"`
	Root     *Node  `yaml:"root"`
}

// Load reads a content tree from a YAML file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a content tree from YAML bytes.
func Parse(data []byte) (*Store, error) {
	var tf treeFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse content YAML: %w", err)
	}
	return New(tf.Database, tf.Root)
}

// New builds a store from an in-memory tree. Node paths are computed here.
func New(database string, root *Node) (*Store, error) {
	if root == nil {
		return nil, ErrEmptyTree
	}
	s := &Store{
		database: database,
		root:     root,
		byID:     make(map[string]*Node),
	}
	if err := s.index(root, ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) index(n *Node, parentPath string) error {
	if _, exists := s.byID[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	n.path = parentPath + "/" + n.Name
	s.byID[n.ID] = n
	for _, child := range n.Children {
		if err := s.index(child, n.path); err != nil {
			return err
		}
	}
	return nil
}

// Database returns the database name this tree belongs to.
func (s *Store) Database() string { return s.database }

// Root returns the root node.
func (s *Store) Root() *Node { return s.root }

// Len returns the number of nodes in the tree.
func (s *Store) Len() int { return len(s.byID) }

// Get looks a node up by ID.
func (s *Store) Get(id string) (*Node, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// Ref converts a node into the reference handed to indexes.
func (s *Store) Ref(n *Node) *types.NodeRef {
	return &types.NodeRef{ID: n.ID, Database: s.database, Path: n.path}
}

// Resolve parses an item URI and returns the matching node reference.
func (s *Store) Resolve(uri string) (*types.NodeRef, error) {
	db, id, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if db != s.database {
		return nil, fmt.Errorf("%w: database %q is not loaded", ErrNodeNotFound, db)
	}
	n, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return s.Ref(n), nil
}

// Walk visits ref's node and all of its descendants in pre-order. It stops
// at the first error returned by fn.
func (s *Store) Walk(ref types.NodeRef, fn func(*Node) error) error {
	n, ok := s.byID[ref.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, ref.ID)
	}
	return walk(n, fn)
}

func walk(n *Node, fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// ParseURI splits content://<database>/<id> into its parts.
func ParseURI(uri string) (database, id string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != URIScheme || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	id = strings.Trim(u.Path, "/")
	if id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return u.Host, id, nil
}

// FormatURI renders the URI of a node reference.
func FormatURI(ref types.NodeRef) string {
	return URIScheme + "://" + ref.Database + "/" + ref.ID
}
