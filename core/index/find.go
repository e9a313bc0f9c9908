package index

import (
	"strings"

	"github.com/loamdb/loam/core/bson"
)

// IsSentinel reports whether n is the head or tail boundary node.
func (n *Node) IsSentinel() bool {
	t := n.Key.Type()
	return t == bson.TypeMinValue || t == bson.TypeMaxValue
}

// First returns the first real node, or nil for an empty index.
func (s *Service) First(meta *Meta) (*Node, error) {
	head, err := s.getNode(meta.Head, false)
	if err != nil {
		return nil, err
	}
	return s.NextOf(head)
}

// Last returns the last real node, or nil for an empty index.
func (s *Service) Last(meta *Meta) (*Node, error) {
	tail, err := s.getNode(meta.Tail, false)
	if err != nil {
		return nil, err
	}
	return s.PrevOf(tail)
}

// NextOf steps forward on level zero; nil once the tail is reached.
func (s *Service) NextOf(n *Node) (*Node, error) {
	next, err := s.getNode(n.Next(0), false)
	if err != nil {
		return nil, err
	}
	if next.Key.Type() == bson.TypeMaxValue {
		return nil, nil
	}
	return next, nil
}

// PrevOf steps backward on level zero; nil once the head is reached.
func (s *Service) PrevOf(n *Node) (*Node, error) {
	prev, err := s.getNode(n.Prev(0), false)
	if err != nil {
		return nil, err
	}
	if prev.Key.Type() == bson.TypeMinValue {
		return nil, nil
	}
	return prev, nil
}

// findFloor descends the skip list to the rightmost node with a key
// strictly below the target.
func (s *Service) findFloor(meta *Meta, key bson.Value) (*Node, error) {
	cur, err := s.getNode(meta.Head, false)
	if err != nil {
		return nil, err
	}
	for l := int(MaxLevels) - 1; l >= 0; l-- {
		for {
			next, err := s.getNode(cur.Next(byte(l)), false)
			if err != nil {
				return nil, err
			}
			if bson.Compare(next.Key, key) >= 0 {
				break
			}
			cur = next
		}
	}
	return cur, nil
}

// Find returns the leftmost node equal to key, or nil.
func (s *Service) Find(meta *Meta, key bson.Value) (*Node, error) {
	floor, err := s.findFloor(meta, key)
	if err != nil {
		return nil, err
	}
	cand, err := s.getNode(floor.Next(0), false)
	if err != nil {
		return nil, err
	}
	if cand.IsSentinel() || !bson.Equal(cand.Key, key) {
		return nil, nil
	}
	return cand, nil
}

// FindGTE returns the first node with key >= target, or when includeEqual
// is false the first with key > target. Nil when no such node exists.
func (s *Service) FindGTE(meta *Meta, key bson.Value, includeEqual bool) (*Node, error) {
	floor, err := s.findFloor(meta, key)
	if err != nil {
		return nil, err
	}
	cand, err := s.getNode(floor.Next(0), false)
	if err != nil {
		return nil, err
	}
	for !includeEqual && !cand.IsSentinel() && bson.Equal(cand.Key, key) {
		if cand, err = s.getNode(cand.Next(0), false); err != nil {
			return nil, err
		}
	}
	if cand.Key.Type() == bson.TypeMaxValue {
		return nil, nil
	}
	return cand, nil
}

// FindLTE returns the last node with key <= target, or when includeEqual is
// false the last with key < target. Nil when no such node exists.
func (s *Service) FindLTE(meta *Meta, key bson.Value, includeEqual bool) (*Node, error) {
	var cand *Node
	if includeEqual {
		// The rightmost equal node sits just before the first strictly
		// greater one.
		gt, err := s.FindGTE(meta, key, false)
		if err != nil {
			return nil, err
		}
		if gt == nil {
			return s.Last(meta)
		}
		if cand, err = s.PrevOf(gt); err != nil {
			return nil, err
		}
	} else {
		floor, err := s.findFloor(meta, key)
		if err != nil {
			return nil, err
		}
		if floor.Key.Type() == bson.TypeMinValue {
			return nil, nil
		}
		cand = floor
	}
	if cand == nil || cand.IsSentinel() {
		return nil, nil
	}
	return cand, nil
}

// MatchPrefix reports whether a string key starts with the prefix; used by
// index-driven STARTSWITH scans, which seek to the prefix and walk forward
// while this holds.
func MatchPrefix(key bson.Value, prefix string) bool {
	return key.Type() == bson.TypeString && strings.HasPrefix(key.Str(), prefix)
}
