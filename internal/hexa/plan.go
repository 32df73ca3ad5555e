package hexa

// TableFilter is one table reference in a query: the table, its candidate
// indexes, the per column constraint masks derived from the predicates,
// and (after planning) the chosen access path. Filters chain via Join in
// execution order.
type TableFilter struct {
	Name  string
	Table *Table

	// Masks holds one constraint mask per table column.
	Masks []ColumnMask

	// Join is the next filter in the chosen execution order.
	Join *TableFilter

	// Plan is the chosen access path, assigned by the optimizer.
	Plan *PlanItem
}

func NewTableFilter(name string, table *Table, masks []ColumnMask) *TableFilter {
	return &TableFilter{Name: name, Table: table, Masks: masks}
}

// PlanItem is a single filter's chosen index and its estimated cost.
type PlanItem struct {
	Index Index
	Cost  float64
}

// bestPlanItem picks the cheapest index for the filter's masks. Every
// index reports a strictly positive cost.
func bestPlanItem(session *Session, f *TableFilter) *PlanItem {
	var best *PlanItem
	for _, ix := range f.Table.Indexes() {
		cost := ix.GetCost(session, f.Masks)
		if best == nil || cost < best.Cost {
			best = &PlanItem{Index: ix, Cost: cost}
		}
	}
	return best
}

// Plan is an ordered sequence of filters with a scalar cost. Plans are
// ephemeral: built during the search, consumed by the execution layer.
type Plan struct {
	Filters []*TableFilter
	Items   map[*TableFilter]*PlanItem
	Cost    float64
}

func NewPlan(filters []*TableFilter) *Plan {
	return &Plan{
		Filters: filters,
		Items:   make(map[*TableFilter]*PlanItem, len(filters)),
	}
}

// CalculateCost estimates the plan. Each filter's access cost doubles as
// its cardinality proxy: the filter is probed once per row produced by the
// filters before it, so expensive filters late in the order multiply less.
func (p *Plan) CalculateCost(session *Session) float64 {
	cost := 1.0
	rows := 1.0
	for _, f := range p.Filters {
		item := bestPlanItem(session, f)
		p.Items[f] = item
		cost += rows * item.Cost
		rows *= item.Cost
	}
	p.Cost = cost
	return cost
}

// incrementalCost estimates the cost of appending one more filter after a
// partial ordering already producing rowsSoFar rows; used by the greedy
// completion.
func incrementalCost(session *Session, rowsSoFar float64, f *TableFilter) float64 {
	return rowsSoFar * bestPlanItem(session, f).Cost
}

// removeUnusableIndexConditions clears the constraint masks of filters
// whose chosen index cannot serve them, so the execution layer does not
// push predicates into a plain scan.
func (p *Plan) removeUnusableIndexConditions(session *Session) {
	for _, f := range p.Filters {
		item := p.Items[f]
		if item == nil {
			continue
		}
		if item.Index.GetCost(session, f.Masks) == costMax {
			for i := range f.Masks {
				f.Masks[i] = MaskNone
			}
		}
		if _, isScan := item.Index.(*ScanIndex); isScan {
			for i := range f.Masks {
				f.Masks[i] = MaskNone
			}
		}
	}
}
