package schema

import (
	"fmt"
	"regexp"
	"strings"
)

type IndexKind int

const (
	IndexPlain IndexKind = iota
	IndexAutoIncrement
	IndexUnique
	IndexCompound
	IndexMultiEntry
)

func (k IndexKind) String() string {
	switch k {
	case IndexAutoIncrement:
		return "auto-increment"
	case IndexUnique:
		return "unique"
	case IndexCompound:
		return "compound"
	case IndexMultiEntry:
		return "multi-entry"
	default:
		return "plain"
	}
}

// IndexExpr is one parsed expression of an index list such as "++id",
// "&ssn", "[nameLast+nameFirst]" or "*_bio_terms".
type IndexExpr struct {
	Kind   IndexKind
	Fields []string
}

func (e IndexExpr) String() string {
	switch e.Kind {
	case IndexAutoIncrement:
		return "++" + e.Fields[0]
	case IndexUnique:
		return "&" + e.Fields[0]
	case IndexCompound:
		return "[" + strings.Join(e.Fields, "+") + "]"
	case IndexMultiEntry:
		return "*" + e.Fields[0]
	default:
		return e.Fields[0]
	}
}

// Field is the field a single-field expression indexes.
func (e IndexExpr) Field() string {
	return e.Fields[0]
}

const indexListSeparator = ", "

var (
	singleExprRegex   = regexp.MustCompile(`^(\+\+|&|\*)?([A-Za-z_$][\w$.-]*)$`)
	compoundExprRegex = regexp.MustCompile(`^\[([^\[\]]+)\]$`)
	fieldNameRegex    = regexp.MustCompile(`^[A-Za-z_$][\w$.-]*$`)
)

// ParseIndexList parses a compiled index list. The first expression is the
// primary key.
func ParseIndexList(list string) ([]IndexExpr, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, fmt.Errorf("empty index list")
	}

	parts := strings.Split(list, ",")
	exprs := make([]IndexExpr, 0, len(parts))
	for _, part := range parts {
		expr, err := parseIndexExpr(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid index list '%s': %w", list, err)
		}
		exprs = append(exprs, expr)
	}
	return exprs, nil
}

func parseIndexExpr(expr string) (IndexExpr, error) {
	if match := compoundExprRegex.FindStringSubmatch(expr); match != nil {
		fieldNames := strings.Split(match[1], "+")
		for i, name := range fieldNames {
			fieldNames[i] = strings.TrimSpace(name)
			if !fieldNameRegex.MatchString(fieldNames[i]) {
				return IndexExpr{}, fmt.Errorf("invalid field '%s' in compound expression '%s'", name, expr)
			}
		}
		return IndexExpr{Kind: IndexCompound, Fields: fieldNames}, nil
	}

	match := singleExprRegex.FindStringSubmatch(expr)
	if match == nil {
		return IndexExpr{}, fmt.Errorf("invalid index expression '%s'", expr)
	}

	kind := IndexPlain
	switch match[1] {
	case "++":
		kind = IndexAutoIncrement
	case "&":
		kind = IndexUnique
	case "*":
		kind = IndexMultiEntry
	}
	return IndexExpr{Kind: kind, Fields: []string{match[2]}}, nil
}

// FormatIndexList renders parsed expressions back into an index list.
func FormatIndexList(exprs []IndexExpr) string {
	parts := make([]string, len(exprs))
	for i, expr := range exprs {
		parts[i] = expr.String()
	}
	return strings.Join(parts, indexListSeparator)
}
