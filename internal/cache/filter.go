package cache

// ClassFilter narrows placement candidates by a caller supplied class label.
type ClassFilter interface {
	Filter(candidates []string, class string) []string
}

// ClassFilterFunc adapts a function to ClassFilter.
type ClassFilterFunc func(candidates []string, class string) []string

func (f ClassFilterFunc) Filter(candidates []string, class string) []string {
	return f(candidates, class)
}

// AllowList admits only the peers listed for a class. An empty class means
// the default class; an unknown class admits nobody.
type AllowList struct {
	defaultClass string
	classes      map[string]map[string]struct{}
}

// NewAllowList builds an allow-list filter.
func NewAllowList(defaultClass string, classes map[string][]string) *AllowList {
	a := &AllowList{
		defaultClass: defaultClass,
		classes:      make(map[string]map[string]struct{}, len(classes)),
	}
	for class, peers := range classes {
		set := make(map[string]struct{}, len(peers))
		for _, p := range peers {
			set[p] = struct{}{}
		}
		a.classes[class] = set
	}
	return a
}

func (a *AllowList) Filter(candidates []string, class string) []string {
	if class == "" {
		class = a.defaultClass
	}
	allowed, ok := a.classes[class]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := allowed[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
