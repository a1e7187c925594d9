// Package query holds the parsed representation of a table query: filter
// tree, ordering, paging and projection. The sync engine does not parse
// query text itself; it receives descriptions from the caller (or builds
// them programmatically), injects incremental-sync filters, and hands them
// to the local store or the remote collaborator.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/offsync/offsync/model"
)

// Operator is a binary operator in a filter tree.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpAnd
	OpOr
)

func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "eq"
	case OpNotEqual:
		return "ne"
	case OpGreaterThan:
		return "gt"
	case OpGreaterOrEqual:
		return "ge"
	case OpLessThan:
		return "lt"
	case OpLessOrEqual:
		return "le"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Node is a node in a filter tree.
type Node interface {
	// appendText writes a canonical text form used for query identity.
	appendText(sb *strings.Builder)
}

// Binary applies an operator to two child nodes.
type Binary struct {
	Op    Operator
	Left  Node
	Right Node
}

func (n *Binary) appendText(sb *strings.Builder) {
	sb.WriteByte('(')
	n.Left.appendText(sb)
	sb.WriteByte(' ')
	sb.WriteString(n.Op.String())
	sb.WriteByte(' ')
	n.Right.appendText(sb)
	sb.WriteByte(')')
}

// Member references a record field by name.
type Member struct {
	Field string
}

func (n *Member) appendText(sb *strings.Builder) { sb.WriteString(n.Field) }

// Constant is a literal value.
type Constant struct {
	Value model.Value
}

func (n *Constant) appendText(sb *strings.Builder) {
	switch n.Value.Kind() {
	case model.KindString:
		s, _ := n.Value.AsString()
		sb.WriteByte('\'')
		sb.WriteString(strings.ReplaceAll(s, "'", "''"))
		sb.WriteByte('\'')
	case model.KindTime:
		t, _ := n.Value.AsTime()
		sb.WriteString(t.Format(time.RFC3339Nano))
	default:
		fmt.Fprintf(sb, "%v", n.Value.Interface())
	}
}

// OrderBy is one ordering clause.
type OrderBy struct {
	Field      string
	Descending bool
}

// Description is a parsed query against one table. The zero Top and Skip
// mean "unset"; use -1 for an explicit zero Top if ever needed (the engine
// never does).
type Description struct {
	Table             string
	Filter            Node
	Ordering          []OrderBy
	Top               int
	Skip              int
	Selection         []string
	IncludeDeleted    bool
	IncludeTotalCount bool
}

// New creates an empty query description for a table.
func New(table string) *Description {
	return &Description{Table: table}
}

// Clone returns a shallow copy of the description with its own ordering
// and selection slices. Filter nodes are immutable by convention and are
// shared.
func (d *Description) Clone() *Description {
	out := *d
	out.Ordering = append([]OrderBy(nil), d.Ordering...)
	out.Selection = append([]string(nil), d.Selection...)
	return &out
}

// AndFilter returns the description with node ANDed into the existing
// filter, or set as the filter when none exists.
func (d *Description) AndFilter(node Node) *Description {
	if node == nil {
		return d
	}
	if d.Filter == nil {
		d.Filter = node
	} else {
		d.Filter = &Binary{Op: OpAnd, Left: d.Filter, Right: node}
	}
	return d
}

// Where is a convenience for building a field-comparison filter.
func Where(field string, op Operator, value model.Value) Node {
	return &Binary{Op: op, Left: &Member{Field: field}, Right: &Constant{Value: value}}
}

// FilterText returns the canonical text form of the filter, or the empty
// string when the description has no filter. The form is the operator
// notation the remote collaborator accepts on the wire.
func (d *Description) FilterText() string {
	if d.Filter == nil {
		return ""
	}
	var sb strings.Builder
	d.Filter.appendText(&sb)
	return sb.String()
}

// Key returns a canonical text form of the query, used to derive a stable
// query identity when the caller does not supply one. Two structurally
// identical queries produce the same key.
func (d *Description) Key() string {
	var sb strings.Builder
	sb.WriteString(d.Table)
	sb.WriteByte('|')
	if d.Filter != nil {
		d.Filter.appendText(&sb)
	}
	sb.WriteByte('|')
	for i, o := range d.Ordering {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(o.Field)
		if o.Descending {
			sb.WriteString(" desc")
		}
	}
	fmt.Fprintf(&sb, "|top=%d|skip=%d|sel=%s|del=%t",
		d.Top, d.Skip, strings.Join(d.Selection, ","), d.IncludeDeleted)
	return sb.String()
}
