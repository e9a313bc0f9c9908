package collection

import (
	"fmt"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/expr"
	"github.com/loamdb/loam/core/index"
	"github.com/loamdb/loam/core/storage"
)

// Find runs a filter over the collection. The planner picks an index seek
// when a conjunct allows it, otherwise the primary index is scanned; the
// residual filter is applied to every candidate. A nil filter returns
// everything in primary key order.
func (s *Service) Find(filter expr.Expression) ([]*bson.Document, error) {
	var docs []*bson.Document
	err := s.iterate(filter, func(doc *bson.Document) bool {
		docs = append(docs, doc)
		return true
	})
	return docs, err
}

// FindOne returns the first match, or nil.
func (s *Service) FindOne(filter expr.Expression) (*bson.Document, error) {
	var found *bson.Document
	err := s.iterate(filter, func(doc *bson.Document) bool {
		found = doc
		return false
	})
	return found, err
}

// Count counts matching documents.
func (s *Service) Count(filter expr.Expression) (int, error) {
	n := 0
	err := s.iterate(filter, func(*bson.Document) bool {
		n++
		return true
	})
	return n, err
}

// Exists reports whether any document matches.
func (s *Service) Exists(filter expr.Expression) (bool, error) {
	doc, err := s.FindOne(filter)
	return doc != nil, err
}

// MinKey returns the smallest key in the named index, or null when the
// collection is empty.
func (s *Service) MinKey(indexName string) (bson.Value, error) {
	meta, err := s.namedIndex(indexName)
	if err != nil {
		return bson.Null(), err
	}
	node, err := s.ix.First(meta)
	if err != nil || node == nil {
		return bson.Null(), err
	}
	return node.Key, nil
}

// MaxKey returns the largest key in the named index, or null when the
// collection is empty.
func (s *Service) MaxKey(indexName string) (bson.Value, error) {
	meta, err := s.namedIndex(indexName)
	if err != nil {
		return bson.Null(), err
	}
	node, err := s.ix.Last(meta)
	if err != nil || node == nil {
		return bson.Null(), err
	}
	return node.Key, nil
}

func (s *Service) namedIndex(name string) (*index.Meta, error) {
	meta := s.meta.IndexByName(name)
	if meta == nil {
		return nil, fmt.Errorf("%w: %q on %q", dberr.ErrIndexNotFound, name, s.name)
	}
	return meta, nil
}

func (s *Service) indexByExpression(expression string) *index.Meta {
	for _, m := range s.meta.Indexes {
		if m.Expression == expression {
			return m
		}
	}
	return nil
}

// iterate drives a planned scan, calling emit for each distinct matching
// document until emit returns false. Non-unique indexes and array keys can
// surface the same document more than once; the data block address
// deduplicates.
func (s *Service) iterate(filter expr.Expression, emit func(*bson.Document) bool) error {
	plan := expr.BuildPlan(filter, func(path string) bool {
		return s.indexByExpression(path) != nil
	})

	meta := s.meta.IDIndex()
	if plan.Op != expr.OpScanAll {
		meta = s.indexByExpression(plan.IndexExpression)
	}

	node, err := s.seekStart(meta, plan)
	if err != nil {
		return err
	}

	seen := make(map[storage.PageAddress]bool)
	for node != nil {
		ok, stop, err := s.withinBounds(node, plan)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if ok && !seen[node.DataBlock] {
			seen[node.DataBlock] = true
			doc, err := s.LoadDocument(node)
			if err != nil {
				return err
			}
			match := true
			if plan.Residual != nil {
				if match, err = expr.Matches(plan.Residual, doc); err != nil {
					return err
				}
			}
			if match && !emit(doc) {
				return nil
			}
		}
		if node, err = s.ix.NextOf(node); err != nil {
			return err
		}
	}
	return nil
}

// seekStart positions the scan at its first candidate node.
func (s *Service) seekStart(meta *index.Meta, plan expr.Plan) (*index.Node, error) {
	switch plan.Op {
	case expr.OpEq:
		return s.ix.Find(meta, plan.Key)
	case expr.OpGt:
		return s.ix.FindGTE(meta, plan.Key, false)
	case expr.OpGte, expr.OpBetween:
		return s.ix.FindGTE(meta, plan.Key, true)
	case expr.OpPrefix:
		return s.ix.FindGTE(meta, bson.String(plan.Key.Str()), true)
	default:
		return s.ix.First(meta)
	}
}

// withinBounds checks the scan's stop condition at the current node. ok is
// whether the node is a candidate; stop ends the scan.
func (s *Service) withinBounds(node *index.Node, plan expr.Plan) (ok, stop bool, err error) {
	switch plan.Op {
	case expr.OpEq:
		if !bson.Equal(node.Key, plan.Key) {
			return false, true, nil
		}
	case expr.OpBetween:
		if bson.Compare(node.Key, plan.Key2) > 0 {
			return false, true, nil
		}
	case expr.OpLt:
		if bson.Compare(node.Key, plan.Key) >= 0 {
			return false, true, nil
		}
	case expr.OpLte:
		if bson.Compare(node.Key, plan.Key) > 0 {
			return false, true, nil
		}
	case expr.OpPrefix:
		if !index.MatchPrefix(node.Key, plan.Key.Str()) {
			return false, true, nil
		}
	}
	return true, false, nil
}
