package cache

import (
	"fmt"
	"regexp"
	"sort"
)

// Built-in invalidation categories
const (
	CategoryValidation = "validation"
	CategoryCompletion = "completion"
	CategoryDocument   = "document"
	CategorySchema     = "schema"
)

// DefaultCategories maps each built-in category to the key patterns it
// covers. Keys are expected to be namespaced as "<kind>:<id>".
func DefaultCategories() map[string][]string {
	return map[string][]string{
		CategoryValidation: {`^validation:`, `^diagnostics:`},
		CategoryCompletion: {`^completion:`, `^hover:`},
		CategoryDocument:   {`^document:`, `^symbols:`},
		CategorySchema:     {`^schema:`},
	}
}

type categorySet map[string][]*regexp.Regexp

func compileCategories(categories map[string][]string) (categorySet, error) {
	set := make(categorySet, len(categories))
	for name, patterns := range categories {
		compiled := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("category %q: invalid pattern %q: %w", name, p, err)
			}
			compiled = append(compiled, re)
		}
		set[name] = compiled
	}
	return set, nil
}

func (s categorySet) matcher(category string) (func(string) bool, bool) {
	patterns, ok := s[category]
	if !ok {
		return nil, false
	}
	return func(key string) bool {
		for _, re := range patterns {
			if re.MatchString(key) {
				return true
			}
		}
		return false
	}, true
}

func (s categorySet) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
