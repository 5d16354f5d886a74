// Package store provides the keyed JSON document store backing every
// stateful service. Each collection persists to a single file under
// DATA_DIR/metadata as {collection_key: [entities...]}; rewrites are
// write-temp-then-rename so a crashed write never truncates state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
	"github.com/mellea-ai/mellea-platform/controlplane/errs"
)

// Entity is any document the store can hold.
type Entity interface {
	GetID() string
}

// NewID returns an opaque unique token for a new entity.
func NewID() string {
	return uuid.NewString()
}

// Collection is a keyed document store over a single metadata file. Each
// operation is atomic with respect to concurrent callers in this process.
type Collection[T Entity] struct {
	mu   sync.Mutex
	path string
	key  string
	docs map[string]T
}

// Open loads (or initializes) the collection persisted at dir/file.
func Open[T Entity](dir, file, key string) (*Collection[T], error) {
	if err := os.MkdirAll(dir, constants.DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}

	c := &Collection[T]{
		path: filepath.Join(dir, file),
		key:  key,
		docs: make(map[string]T),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection[T]) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.path, err)
	}

	var raw map[string][]T
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.path, err)
	}
	for _, doc := range raw[c.key] {
		c.docs[doc.GetID()] = doc
	}
	return nil
}

// persist rewrites the whole collection file. Caller must hold c.mu.
func (c *Collection[T]) persist() error {
	docs := make([]T, 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].GetID() < docs[j].GetID() })

	data, err := json.MarshalIndent(map[string][]T{c.key: docs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal collection %s: %w", c.key, err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", c.path, err)
	}
	return nil
}

// Create inserts doc; fails with a conflict if the id already exists.
func (c *Collection[T]) Create(doc T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := doc.GetID()
	if _, ok := c.docs[id]; ok {
		return errs.Conflict(c.key, id)
	}
	c.docs[id] = doc
	return c.persist()
}

// Get returns the document with the given id.
func (c *Collection[T]) Get(id string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok {
		var zero T
		return zero, errs.NotFound(c.key, id)
	}
	return doc, nil
}

// Update replaces the document with the given id.
func (c *Collection[T]) Update(id string, doc T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; !ok {
		return errs.NotFound(c.key, id)
	}
	c.docs[id] = doc
	return c.persist()
}

// Upsert inserts or replaces the document.
func (c *Collection[T]) Upsert(doc T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs[doc.GetID()] = doc
	return c.persist()
}

// Delete removes the document with the given id.
func (c *Collection[T]) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; !ok {
		return errs.NotFound(c.key, id)
	}
	delete(c.docs, id)
	return c.persist()
}

// ListAll returns every document, ordered by id for determinism.
func (c *Collection[T]) ListAll() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs := make([]T, 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].GetID() < docs[j].GetID() })
	return docs
}

// Find returns every document matching the predicate, ordered by id.
func (c *Collection[T]) Find(pred func(T) bool) []T {
	all := c.ListAll()
	matched := make([]T, 0, len(all))
	for _, doc := range all {
		if pred(doc) {
			matched = append(matched, doc)
		}
	}
	return matched
}

// Count returns the number of stored documents.
func (c *Collection[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}
