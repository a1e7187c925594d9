package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/offsync/offsync/model"
	"github.com/offsync/offsync/query"
)

// sortableTimeFormat is a fixed-width UTC timestamp. Unlike RFC3339Nano
// it compares correctly as text, which is what the updated_at column and
// its index rely on.
const sortableTimeFormat = "2006-01-02T15:04:05.000000000Z"

func updatedAtKey(rec *model.Record) interface{} {
	t, ok := rec.UpdatedAt()
	if !ok {
		return nil
	}
	return t.UTC().Format(sortableTimeFormat)
}

// whereClause translates a filter tree into a SQL WHERE clause over the
// table's json_extract view of each record.
func whereClause(n query.Node) (string, []interface{}, error) {
	if n == nil {
		return "", nil, nil
	}
	var sb strings.Builder
	var args []interface{}
	if err := appendNode(&sb, &args, n); err != nil {
		return "", nil, err
	}
	return " WHERE " + sb.String(), args, nil
}

func appendNode(sb *strings.Builder, args *[]interface{}, n query.Node) error {
	b, ok := n.(*query.Binary)
	if !ok {
		return fmt.Errorf("unsupported filter node %T", n)
	}
	switch b.Op {
	case query.OpAnd, query.OpOr:
		sb.WriteByte('(')
		if err := appendNode(sb, args, b.Left); err != nil {
			return err
		}
		if b.Op == query.OpAnd {
			sb.WriteString(" AND ")
		} else {
			sb.WriteString(" OR ")
		}
		if err := appendNode(sb, args, b.Right); err != nil {
			return err
		}
		sb.WriteByte(')')
		return nil
	}
	return appendComparison(sb, args, b)
}

func appendComparison(sb *strings.Builder, args *[]interface{}, b *query.Binary) error {
	member, ok := b.Left.(*query.Member)
	if !ok {
		return fmt.Errorf("comparison must have a field on the left, got %T", b.Left)
	}
	constant, ok := b.Right.(*query.Constant)
	if !ok {
		return fmt.Errorf("comparison must have a constant on the right, got %T", b.Right)
	}

	expr, exprArg := fieldExpr(member.Field)

	if constant.Value.Kind() == model.KindNull {
		switch b.Op {
		case query.OpEqual:
			writeExpr(sb, args, expr, exprArg)
			sb.WriteString(" IS NULL")
			return nil
		case query.OpNotEqual:
			writeExpr(sb, args, expr, exprArg)
			sb.WriteString(" IS NOT NULL")
			return nil
		default:
			return fmt.Errorf("operator %s cannot compare against null", b.Op)
		}
	}

	arg, err := constantArg(member.Field, constant.Value)
	if err != nil {
		return err
	}

	if b.Op == query.OpNotEqual {
		// A record without the field is "not equal" to every value.
		sb.WriteByte('(')
		writeExpr(sb, args, expr, exprArg)
		sb.WriteString(" IS NULL OR ")
		writeExpr(sb, args, expr, exprArg)
		sb.WriteString(" <> ?)")
		*args = append(*args, arg)
		return nil
	}

	op, err := sqlOperator(b.Op)
	if err != nil {
		return err
	}
	writeExpr(sb, args, expr, exprArg)
	sb.WriteByte(' ')
	sb.WriteString(op)
	sb.WriteString(" ?")
	*args = append(*args, arg)
	return nil
}

// fieldExpr maps a record field to a SQL expression. The id and
// updatedAt system fields live in real columns; everything else is read
// out of the JSON body. The returned arg, when non-empty, is the JSON
// path bound as a parameter.
func fieldExpr(field string) (expr, arg string) {
	switch field {
	case model.FieldID:
		return "id", ""
	case model.FieldUpdatedAt:
		return "updated_at", ""
	default:
		return "json_extract(data, ?)", `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	}
}

func writeExpr(sb *strings.Builder, args *[]interface{}, expr, exprArg string) {
	sb.WriteString(expr)
	if exprArg != "" {
		*args = append(*args, exprArg)
	}
}

func constantArg(field string, v model.Value) (interface{}, error) {
	switch v.Kind() {
	case model.KindString:
		if field == model.FieldUpdatedAt {
			if t, ok := v.AsTime(); ok {
				return t.UTC().Format(sortableTimeFormat), nil
			}
		}
		s, _ := v.AsString()
		return s, nil
	case model.KindNumber:
		n, _ := v.AsNumber()
		return n, nil
	case model.KindBool:
		b, _ := v.AsBool()
		if b {
			return 1, nil
		}
		return 0, nil
	case model.KindTime:
		t, _ := v.AsTime()
		if field == model.FieldUpdatedAt {
			return t.UTC().Format(sortableTimeFormat), nil
		}
		// Matches how records serialize time fields into their body.
		return t.Format(time.RFC3339Nano), nil
	default:
		return nil, fmt.Errorf("cannot filter on %v values", v.Kind())
	}
}

func sqlOperator(op query.Operator) (string, error) {
	switch op {
	case query.OpEqual:
		return "=", nil
	case query.OpGreaterThan:
		return ">", nil
	case query.OpGreaterOrEqual:
		return ">=", nil
	case query.OpLessThan:
		return "<", nil
	case query.OpLessOrEqual:
		return "<=", nil
	default:
		return "", fmt.Errorf("unsupported comparison operator %s", op)
	}
}

func orderClause(ordering []query.OrderBy) string {
	var sb strings.Builder
	sb.WriteString(" ORDER BY ")
	for _, o := range ordering {
		expr, arg := fieldExpr(o.Field)
		if arg != "" {
			// Ordering expressions cannot bind parameters here; inline
			// the quoted JSON path instead.
			expr = "json_extract(data, '" + strings.ReplaceAll(arg, "'", "''") + "')"
		}
		sb.WriteString(expr)
		if o.Descending {
			sb.WriteString(" DESC")
		}
		sb.WriteString(", ")
	}
	sb.WriteString("id ASC")
	return sb.String()
}
