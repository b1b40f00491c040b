// Package docstore defines the document store contract the cost engine is
// built on, plus in-memory and PostgreSQL (JSONB) implementations.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Predefined errors surfaced by every Client implementation.
var (
	ErrNotFound = errors.New("docstore: document not found")
	// ErrUnavailable marks transient failures; callers may retry.
	ErrUnavailable = errors.New("docstore: store unavailable")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Fields is the raw field set of a document.
type Fields map[string]any

// Document is a single record read from a collection.
type Document struct {
	ID     string
	Fields Fields
}

// DataTo decodes the document fields into v (a pointer to a typed record).
func (d Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("docstore: encode document %q: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("docstore: decode document %q: %w", d.ID, err)
	}
	return nil
}

// FieldsOf encodes a typed record into document fields.
func FieldsOf(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode record: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("docstore: encode record: %w", err)
	}
	return f, nil
}

// Operator is a comparison used in a Predicate.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
)

// Predicate constrains a field of the documents returned by GetMany.
// A nil Value with OpEqual matches documents where the field is null or absent.
type Predicate struct {
	Field string
	Op    Operator
	Value any
}

// Where is shorthand for building a Predicate.
func Where(field string, op Operator, value any) Predicate {
	return Predicate{Field: field, Op: op, Value: value}
}

func (p Predicate) validate() error {
	if p.Field == "" {
		return errors.New("docstore: predicate field required")
	}
	switch p.Op {
	case OpEqual, OpNotEqual:
		return nil
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if p.Value == nil {
			return fmt.Errorf("docstore: range predicate on %q needs a value", p.Field)
		}
		return nil
	default:
		return fmt.Errorf("docstore: unsupported operator %q", p.Op)
	}
}

// OperationKind enumerates the writes a batch can carry.
type OperationKind string

const (
	// OpSet creates or replaces a whole document.
	OpSet OperationKind = "set"
	// OpUpdate merges fields into an existing document.
	OpUpdate OperationKind = "update"
	// OpDelete removes a document; deleting a missing document is not an error.
	OpDelete OperationKind = "delete"
)

// Operation is one write inside a batch.
type Operation struct {
	Kind       OperationKind
	Collection string
	ID         string
	Fields     Fields
}

// Set builds an OpSet operation.
func Set(collection, id string, fields Fields) Operation {
	return Operation{Kind: OpSet, Collection: collection, ID: id, Fields: fields}
}

// Update builds an OpUpdate operation.
func Update(collection, id string, fields Fields) Operation {
	return Operation{Kind: OpUpdate, Collection: collection, ID: id, Fields: fields}
}

// Delete builds an OpDelete operation.
func Delete(collection, id string) Operation {
	return Operation{Kind: OpDelete, Collection: collection, ID: id}
}

func (op Operation) validate() error {
	if op.Collection == "" || op.ID == "" {
		return errors.New("docstore: operation needs collection and id")
	}
	switch op.Kind {
	case OpSet, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("docstore: unsupported operation kind %q", op.Kind)
	}
}

// Client is the minimal document store contract.
type Client interface {
	GetOne(ctx context.Context, collection, id string) (Document, error)
	GetMany(ctx context.Context, collection string, predicates ...Predicate) ([]Document, error)
	SetOne(ctx context.Context, collection, id string, fields Fields) error
	UpdateOne(ctx context.Context, collection, id string, fields Fields) error
	DeleteOne(ctx context.Context, collection, id string) error
	// CommitBatch applies all operations atomically: either every operation is
	// applied or none is.
	CommitBatch(ctx context.Context, ops []Operation) error
}
