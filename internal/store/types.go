package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned when an update or lookup targets a missing document.
var ErrNotFound = errors.New("document not found")

// Document is one stored JSON document.
type Document struct {
	ID         string
	Collection string
	Body       json.RawMessage
	CreatedAt  string
	UpdatedAt  string
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

type Op string

const (
	OpEq  Op = "="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter compares a top-level (or dotted) document field against Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, v any) Filter  { return Filter{Field: field, Op: OpEq, Value: v} }
func Lte(field string, v any) Filter { return Filter{Field: field, Op: OpLte, Value: v} }
func Gt(field string, v any) Filter  { return Filter{Field: field, Op: OpGt, Value: v} }

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func (f Filter) validate() error {
	if !fieldPattern.MatchString(f.Field) {
		return fmt.Errorf("invalid filter field %q", f.Field)
	}
	switch f.Op {
	case OpEq, OpLt, OpLte, OpGt, OpGte:
	default:
		return fmt.Errorf("invalid filter op %q", f.Op)
	}
	return nil
}
