package portalgo

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Scope is the visibility boundary of a search.
type Scope string

const (
	// ScopeDefault resolves to ScopeOrg against an organizational portal
	// and to ScopePublic otherwise.
	ScopeDefault Scope = "default"
	ScopePublic  Scope = "public"
	ScopeOrg     Scope = "org"
)

// SortOrder controls the final sort direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SearchOptions describes one paginated, optionally grouped-and-aggregated
// search.
//
// Properties are either bare property names ("owner") or aggregate
// expressions ("count(owner)"). When GroupFields is set, every property
// must carry an aggregate function or be a group field; when it is not,
// aggregate expressions are rejected. Both rules are enforced before any
// network call.
type SearchOptions struct {
	Query       string
	Properties  []string
	GroupFields []string
	Bbox        string
	SortField   string
	SortOrder   SortOrder
	Num         int
	Scope       Scope
}

var exprPattern = regexp.MustCompile(`^([a-z]+)\(([A-Za-z_][A-Za-z0-9_.]*)\)$|^([A-Za-z_][A-Za-z0-9_.]*)$`)

type propertyExpr struct {
	raw  string
	prop string
	fn   AggregateFunc
}

func (e propertyExpr) aggregated() bool { return e.fn != aggNone }

func parseExpr(raw string) (propertyExpr, error) {
	m := exprPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return propertyExpr{}, &QueryError{Expr: raw, Reason: "not a property name or func(property)"}
	}
	if m[3] != "" {
		return propertyExpr{raw: raw, prop: m[3], fn: aggNone}, nil
	}
	fn, ok := parseAggregate(m[1])
	if !ok {
		return propertyExpr{}, &QueryError{Expr: raw, Reason: fmt.Sprintf("unknown aggregate function %q", m[1])}
	}
	return propertyExpr{raw: raw, prop: m[2], fn: fn}, nil
}

func parseExprs(raws []string) ([]propertyExpr, error) {
	exprs := make([]propertyExpr, 0, len(raws))
	for _, raw := range raws {
		e, err := parseExpr(raw)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func validateExprs(exprs []propertyExpr, groupFields []string) error {
	if len(groupFields) == 0 {
		for _, e := range exprs {
			if e.aggregated() {
				return &QueryError{Expr: e.raw, Reason: "aggregate requires group fields"}
			}
		}
		return nil
	}
	grouped := make(map[string]bool, len(groupFields))
	for _, gf := range groupFields {
		grouped[gf] = true
	}
	for _, e := range exprs {
		if !e.aggregated() && !grouped[e.prop] {
			return &QueryError{Expr: e.raw, Reason: "property is neither aggregated nor a group field"}
		}
	}
	return nil
}

// SearchItems runs a validated item search. See SearchOptions.
func (p *Portal) SearchItems(opts SearchOptions) ([]Record, error) {
	return p.search("search", opts)
}

// SearchGroups runs a validated group search.
func (p *Portal) SearchGroups(opts SearchOptions) ([]Record, error) {
	return p.search("community/groups", opts)
}

// SearchUsers runs a validated user search.
func (p *Portal) SearchUsers(opts SearchOptions) ([]Record, error) {
	return p.search("community/users", opts)
}

func (p *Portal) search(endpoint string, opts SearchOptions) ([]Record, error) {
	exprs, err := parseExprs(opts.Properties)
	if err != nil {
		return nil, err
	}
	if err := validateExprs(exprs, opts.GroupFields); err != nil {
		return nil, err
	}
	query, err := p.resolveScope(opts.Scope, opts.Query)
	if err != nil {
		return nil, err
	}

	num := opts.Num
	if num <= 0 {
		num = MaxPageSize
	}

	fetch := func(start, size int) (Page[Record], error) {
		form := url.Values{}
		form.Set("q", query)
		form.Set("start", strconv.Itoa(start))
		form.Set("num", strconv.Itoa(size))
		if opts.Bbox != "" {
			form.Set("bbox", opts.Bbox)
		}
		var page SearchResult
		if err := p.session.Post(endpoint, form, &page); err != nil {
			return Page[Record]{}, err
		}
		return Page[Record]{Results: page.Results, NextStart: page.NextStart}, nil
	}
	records, err := Collect(fetch, num)
	if err != nil {
		return nil, err
	}

	if len(opts.GroupFields) > 0 {
		records = groupAndAggregate(records, exprs, opts.GroupFields)
	} else if len(exprs) > 0 {
		records = project(records, exprs)
	}
	if opts.SortField != "" {
		sortRecords(records, opts.SortField, opts.SortOrder)
	}
	return records, nil
}

// resolveScope applies the scope rules and returns the effective query
// string, possibly rewritten with an organization filter term.
func (p *Portal) resolveScope(scope Scope, query string) (string, error) {
	if scope == "" {
		scope = ScopeDefault
	}
	if scope == ScopeDefault {
		if p.session.SignedIn() && p.IsOrg() {
			scope = ScopeOrg
		} else {
			scope = ScopePublic
		}
	}
	switch scope {
	case ScopePublic:
		if strings.TrimSpace(query) == "" {
			return "", &ScopeError{Scope: ScopePublic, Reason: "a public search requires a query"}
		}
		return query, nil
	case ScopeOrg:
		if !p.session.SignedIn() {
			return "", &ScopeError{Scope: ScopeOrg, Reason: "an org search requires a signed-in session"}
		}
		props, err := p.Properties()
		if err != nil {
			return "", err
		}
		if props.ID == "" {
			return "", &ScopeError{Scope: ScopeOrg, Reason: "portal has no organization"}
		}
		term := "accountid:" + props.ID
		if strings.TrimSpace(query) == "" {
			return term, nil
		}
		return query + " " + term, nil
	}
	return "", &ScopeError{Scope: scope, Reason: "unknown scope"}
}

// project trims each record to the requested bare property names. The wire
// call over-fetches whole records; this is the re-expansion step.
func project(records []Record, exprs []propertyExpr) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		row := Record{}
		for _, e := range exprs {
			row[e.raw] = rec[e.prop]
		}
		out = append(out, row)
	}
	return out
}

func groupAndAggregate(records []Record, exprs []propertyExpr, groupFields []string) []Record {
	key := func(rec Record) string {
		parts := make([]string, len(groupFields))
		for i, gf := range groupFields {
			parts[i] = fmt.Sprint(rec[gf])
		}
		return strings.Join(parts, "\x00")
	}
	sort.SliceStable(records, func(i, j int) bool {
		return key(records[i]) < key(records[j])
	})

	var out []Record
	for start := 0; start < len(records); {
		end := start
		k := key(records[start])
		for end < len(records) && key(records[end]) == k {
			end++
		}
		group := records[start:end]
		row := Record{}
		for _, e := range exprs {
			if !e.aggregated() {
				row[e.raw] = group[0][e.prop]
				continue
			}
			values := make([]any, 0, len(group))
			for _, rec := range group {
				values = append(values, rec[e.prop])
			}
			row[e.raw] = e.fn.reduce(values)
		}
		out = append(out, row)
		start = end
	}
	return out
}

// sortRecords stably sorts by one field; ties keep their relative order.
func sortRecords(records []Record, field string, order SortOrder) {
	desc := order == SortDesc
	sort.SliceStable(records, func(i, j int) bool {
		c := compareValues(records[i][field], records[j][field])
		if desc {
			return c > 0
		}
		return c < 0
	})
}
