package conf

import (
	"sort"

	"go-feishu-sync/core"
)

// BuildPairs materializes the configured pairs for the engine.
func (c *ConfigSet) BuildPairs() []*core.Pair {
	pairs := make([]*core.Pair, 0, len(c.Pairs))
	for i := range c.Pairs {
		p := &c.Pairs[i]
		pairs = append(pairs, &core.Pair{
			SheetDB:      p.SheetDB,
			SheetTable:   p.SheetTable,
			DBTable:      p.DBTable,
			KeyField:     p.KeyField,
			PollInterval: p.PollInterval,
			Fields:       core.NewFieldMap(p.fieldOrder(), p.Fields),
		})
	}
	return pairs
}

// fieldOrder returns the sheet-side field order: the explicit list when
// given, otherwise sorted field names so the order is stable.
func (p *PairSet) fieldOrder() []string {
	if len(p.FieldOrder) > 0 {
		return p.FieldOrder
	}
	fields := make([]string, 0, len(p.Fields))
	for f := range p.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
