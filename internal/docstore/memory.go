package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Client used for development and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Fields
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Fields)}
}

type docKey struct {
	collection string
	id         string
}

func (m *Memory) GetOne(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	fields, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	clone, err := cloneFields(fields)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Fields: clone}, nil
}

func (m *Memory) GetMany(ctx context.Context, collection string, predicates ...Predicate) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized := make([]Predicate, len(predicates))
	for i, p := range predicates {
		if err := p.validate(); err != nil {
			return nil, err
		}
		p.Value = normalizeValue(p.Value)
		normalized[i] = p
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]Document, 0)
	for id, fields := range m.collections[collection] {
		if !matchesAll(fields, normalized) {
			continue
		}
		clone, err := cloneFields(fields)
		if err != nil {
			return nil, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{ID: id, Fields: clone})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *Memory) SetOne(ctx context.Context, collection, id string, fields Fields) error {
	return m.CommitBatch(ctx, []Operation{Set(collection, id, fields)})
}

func (m *Memory) UpdateOne(ctx context.Context, collection, id string, fields Fields) error {
	return m.CommitBatch(ctx, []Operation{Update(collection, id, fields)})
}

func (m *Memory) DeleteOne(ctx context.Context, collection, id string) error {
	return m.CommitBatch(ctx, []Operation{Delete(collection, id)})
}

// CommitBatch stages every operation against a private view first and only
// publishes the result when all of them succeed.
func (m *Memory) CommitBatch(ctx context.Context, ops []Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[docKey]Fields) // nil value marks a deletion
	lookup := func(k docKey) (Fields, bool) {
		if f, ok := staged[k]; ok {
			return f, f != nil
		}
		f, ok := m.collections[k.collection][k.id]
		return f, ok
	}

	for _, op := range ops {
		k := docKey{collection: op.Collection, id: op.ID}
		switch op.Kind {
		case OpSet:
			fields, err := cloneFields(op.Fields)
			if err != nil {
				return fmt.Errorf("docstore: set %s/%s: %w", op.Collection, op.ID, err)
			}
			staged[k] = fields
		case OpUpdate:
			current, ok := lookup(k)
			if !ok {
				return fmt.Errorf("docstore: update %s/%s: %w", op.Collection, op.ID, ErrNotFound)
			}
			merged, err := cloneFields(current)
			if err != nil {
				return fmt.Errorf("docstore: update %s/%s: %w", op.Collection, op.ID, err)
			}
			patch, err := cloneFields(op.Fields)
			if err != nil {
				return fmt.Errorf("docstore: update %s/%s: %w", op.Collection, op.ID, err)
			}
			for name, v := range patch {
				merged[name] = v
			}
			staged[k] = merged
		case OpDelete:
			staged[k] = nil
		}
	}

	for k, fields := range staged {
		coll, ok := m.collections[k.collection]
		if fields == nil {
			if ok {
				delete(coll, k.id)
			}
			continue
		}
		if !ok {
			coll = make(map[string]Fields)
			m.collections[k.collection] = coll
		}
		coll[k.id] = fields
	}
	return nil
}

// Len returns the number of documents in collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func matchesAll(fields Fields, predicates []Predicate) bool {
	for _, p := range predicates {
		if !matches(fields[p.Field], p) {
			return false
		}
	}
	return true
}

func matches(actual any, p Predicate) bool {
	switch p.Op {
	case OpEqual:
		return equalValues(actual, p.Value)
	case OpNotEqual:
		return !equalValues(actual, p.Value)
	}
	cmp, ok := compareValues(actual, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// normalizeValue brings a Go value into the shape it has after a JSON round
// trip (numbers become float64, pointers are dereferenced).
func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// cloneFields deep-copies f through JSON, so stored documents hold the same
// shapes the postgres store returns.
func cloneFields(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	return out, nil
}
