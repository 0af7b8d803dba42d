package config

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/template"
)

// MaterializeItems renders every deferred expression in the given item
// configs against the resolved variable context and returns concrete
// items in declaration order. Identity collisions are rejected.
func MaterializeItems(configs []ItemConfig, vars map[string]cty.Value) ([]item.Item, error) {
	seen := map[string]string{}
	items := make([]item.Item, 0, len(configs))

	for _, ic := range configs {
		key, err := template.EvalExpr(ic.Key, vars)
		if err != nil {
			return nil, fmt.Errorf("%s: item key: %w", ic.Source, err)
		}
		if key == "" {
			return nil, fmt.Errorf("%s: %s item rendered an empty key", ic.Source, ic.Kind)
		}

		fields := make(map[string]string, len(ic.Fields))
		for name, expr := range ic.Fields {
			val, err := template.EvalExpr(expr, vars)
			if err != nil {
				return nil, fmt.Errorf("%s: %s %s field %s: %w", ic.Source, ic.Kind, key, name, err)
			}
			fields[name] = val
		}

		cacheKey, err := template.EvalExpr(ic.CacheKey, vars)
		if err != nil {
			return nil, fmt.Errorf("%s: %s %s cache_key: %w", ic.Source, ic.Kind, key, err)
		}

		it := item.Item{
			Kind:        ic.Kind,
			Key:         key,
			Fields:      fields,
			RunIf:       ic.RunIf,
			CacheKey:    cacheKey,
			CacheCmd:    ic.CacheCmd,
			Confirm:     ic.Confirm,
			Interactive: ic.Interactive,
			Source:      ic.Source,
		}
		if prev, dup := seen[it.Identity()]; dup {
			return nil, fmt.Errorf("%s %s declared in both %s and %s", it.Kind, it.Key, prev, ic.Source)
		}
		seen[it.Identity()] = ic.Source
		items = append(items, it)
	}
	return items, nil
}
