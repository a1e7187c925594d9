package query

import (
	"fmt"

	"github.com/offsync/offsync/model"
)

// Eval evaluates a filter tree against a record. A nil node matches every
// record. Comparisons against a missing field match only for "ne".
func Eval(node Node, rec *model.Record) (bool, error) {
	if node == nil {
		return true, nil
	}
	b, ok := node.(*Binary)
	if !ok {
		return false, fmt.Errorf("filter root must be a binary node, got %T", node)
	}
	switch b.Op {
	case OpAnd:
		left, err := Eval(b.Left, rec)
		if err != nil || !left {
			return false, err
		}
		return Eval(b.Right, rec)
	case OpOr:
		left, err := Eval(b.Left, rec)
		if err != nil || left {
			return left, err
		}
		return Eval(b.Right, rec)
	default:
		return evalComparison(b, rec)
	}
}

func evalComparison(b *Binary, rec *model.Record) (bool, error) {
	member, ok := b.Left.(*Member)
	if !ok {
		return false, fmt.Errorf("comparison left side must be a field reference, got %T", b.Left)
	}
	constant, ok := b.Right.(*Constant)
	if !ok {
		return false, fmt.Errorf("comparison right side must be a constant, got %T", b.Right)
	}

	fieldValue, present := rec.Get(member.Field)
	if !present || fieldValue.IsNull() {
		// Absent compares unequal to any non-null constant.
		if constant.Value.IsNull() {
			return b.Op == OpEqual, nil
		}
		return b.Op == OpNotEqual, nil
	}

	cmp, comparable := compare(fieldValue, constant.Value)
	switch b.Op {
	case OpEqual:
		return comparable && cmp == 0, nil
	case OpNotEqual:
		return !comparable || cmp != 0, nil
	case OpGreaterThan:
		return comparable && cmp > 0, nil
	case OpGreaterOrEqual:
		return comparable && cmp >= 0, nil
	case OpLessThan:
		return comparable && cmp < 0, nil
	case OpLessOrEqual:
		return comparable && cmp <= 0, nil
	default:
		return false, fmt.Errorf("unsupported comparison operator %s", b.Op)
	}
}

// compare orders two values of compatible kinds. The second result is
// false when the kinds cannot be compared.
func compare(a, b model.Value) (int, bool) {
	if at, ok := a.AsTime(); ok {
		if bt, ok := b.AsTime(); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if an, ok := a.AsNumber(); ok {
		if bn, ok := b.AsNumber(); ok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if as, ok := a.AsString(); ok {
		if bs, ok := b.AsString(); ok {
			switch {
			case as < bs:
				return -1, true
			case as > bs:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if ab, ok := a.AsBool(); ok {
		if bb, ok := b.AsBool(); ok {
			if ab == bb {
				return 0, true
			}
			if !ab {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

// Less orders two records by the given ordering clauses, falling back to
// id order so sorts are total and stable across runs.
func Less(a, b *model.Record, ordering []OrderBy) bool {
	for _, o := range ordering {
		av, _ := a.Get(o.Field)
		bv, _ := b.Get(o.Field)
		cmp, ok := compare(av, bv)
		if !ok || cmp == 0 {
			continue
		}
		if o.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.ID() < b.ID()
}
