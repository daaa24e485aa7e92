package mgmt

import (
	"fmt"
	"strings"
)

// LinkRow is one router link as reported by a link query.
type LinkRow struct {
	Type        string
	Dir         string
	Name        string
	OwningAddr  string
	Capacity    int
	Undelivered int
	Unsettled   int
	Accepted    int
	Rejected    int
	Released    int
	Modified    int
}

// LinkTable is a decoded link query result.
type LinkTable []LinkRow

// Totals sums the counters of every row.
func (t LinkTable) Totals() LinkRow {
	var sum LinkRow
	for _, r := range t {
		sum.Undelivered += r.Undelivered
		sum.Unsettled += r.Unsettled
		sum.Accepted += r.Accepted
		sum.Rejected += r.Rejected
		sum.Released += r.Released
		sum.Modified += r.Modified
	}
	return sum
}

// Endpoints returns only the endpoint (client) links.
func (t LinkTable) Endpoints() LinkTable {
	var out LinkTable
	for _, r := range t {
		if r.Type == "endpoint" {
			out = append(out, r)
		}
	}
	return out
}

func (t LinkTable) String() string {
	var b strings.Builder
	for _, r := range t {
		fmt.Fprintf(&b, "%s %s %s addr=%s cap=%d undelivered=%d unsettled=%d acc=%d rej=%d rel=%d mod=%d\n",
			r.Type, r.Dir, r.Name, r.OwningAddr, r.Capacity, r.Undelivered, r.Unsettled,
			r.Accepted, r.Rejected, r.Released, r.Modified)
	}
	return b.String()
}

// ParseLinkTable decodes a QUERY body of the form
// {attributeNames: [...], results: [[...], ...]}. Columns are matched by name
// so the router may return them in any order; unknown columns are skipped.
func ParseLinkTable(body any) (LinkTable, error) {
	rawNames, ok := lookup(body, BodyAttributeNames)
	if !ok {
		return nil, fmt.Errorf("%w: link query reply has no %s", ErrProtocolDesync, BodyAttributeNames)
	}
	names, ok := asSlice(rawNames)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrProtocolDesync, BodyAttributeNames, rawNames)
	}
	rawRows, ok := lookup(body, BodyResults)
	if !ok {
		return nil, fmt.Errorf("%w: link query reply has no %s", ErrProtocolDesync, BodyResults)
	}
	rows, ok := asSlice(rawRows)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrProtocolDesync, BodyResults, rawRows)
	}

	table := make(LinkTable, 0, len(rows))
	for i, raw := range rows {
		cells, ok := asSlice(raw)
		if !ok || len(cells) != len(names) {
			return nil, fmt.Errorf("%w: link row %d has %d cells, want %d", ErrProtocolDesync, i, len(cells), len(names))
		}
		var row LinkRow
		for col, n := range names {
			if err := row.set(fmt.Sprint(n), cells[col]); err != nil {
				return nil, fmt.Errorf("%w: link row %d: %w", ErrProtocolDesync, i, err)
			}
		}
		table = append(table, row)
	}
	return table, nil
}

func (r *LinkRow) set(column string, v any) error {
	str := func(dst *string) error {
		if v != nil {
			*dst = fmt.Sprint(v)
		}
		return nil
	}
	num := func(dst *int) error {
		if v == nil {
			return nil
		}
		n, err := asInt(v)
		if err != nil {
			return fmt.Errorf("%s: %w", column, err)
		}
		*dst = n
		return nil
	}

	switch column {
	case "linkType":
		return str(&r.Type)
	case "linkDir":
		return str(&r.Dir)
	case "linkName":
		return str(&r.Name)
	case "owningAddr":
		return str(&r.OwningAddr)
	case "capacity":
		return num(&r.Capacity)
	case "undeliveredCount":
		return num(&r.Undelivered)
	case "unsettledCount":
		return num(&r.Unsettled)
	case "acceptedCount":
		return num(&r.Accepted)
	case "rejectedCount":
		return num(&r.Rejected)
	case "releasedCount":
		return num(&r.Released)
	case "modifiedCount":
		return num(&r.Modified)
	default:
		return nil
	}
}

// Row renders r in LinkAttributes column order.
func (r LinkRow) Row() []any { return r.Project(LinkAttributes) }

// Project renders r as the given columns; unknown columns yield nil.
func (r LinkRow) Project(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		switch c {
		case "linkType":
			out[i] = r.Type
		case "linkDir":
			out[i] = r.Dir
		case "linkName":
			out[i] = r.Name
		case "owningAddr":
			out[i] = r.OwningAddr
		case "capacity":
			out[i] = r.Capacity
		case "undeliveredCount":
			out[i] = r.Undelivered
		case "unsettledCount":
			out[i] = r.Unsettled
		case "acceptedCount":
			out[i] = r.Accepted
		case "rejectedCount":
			out[i] = r.Rejected
		case "releasedCount":
			out[i] = r.Released
		case "modifiedCount":
			out[i] = r.Modified
		}
	}
	return out
}

// RequestedAttributes returns the attributeNames of a QUERY body, or
// LinkAttributes when the body names none.
func RequestedAttributes(body any) []string {
	raw, ok := lookup(body, BodyAttributeNames)
	if !ok {
		return LinkAttributes
	}
	names, ok := asSlice(raw)
	if !ok || len(names) == 0 {
		return LinkAttributes
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprint(n)
	}
	return out
}
