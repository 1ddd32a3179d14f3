// Package ports resolves pipeline names to extractor and matcher
// implementations. The orchestration code only sees the features.Extractor
// and features.Matcher interfaces.
package ports

import (
	"sort"

	"dimatch/internal/config"
	"dimatch/internal/features"
)

// ExtractorFactory builds an extractor from the run configuration.
type ExtractorFactory func(cfg *config.Config) (features.Extractor, error)

// MatcherFactory builds a matcher from the run configuration.
type MatcherFactory func(cfg *config.Config) (features.Matcher, error)

// Registry maps model names to factories.
type Registry struct {
	extractors map[string]ExtractorFactory
	matchers   map[string]MatcherFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[string]ExtractorFactory),
		matchers:   make(map[string]MatcherFactory),
	}
}

// RegisterExtractor registers or replaces the extractor factory for name.
func (r *Registry) RegisterExtractor(name string, f ExtractorFactory) {
	if f == nil {
		return
	}
	r.extractors[name] = f
}

// RegisterMatcher registers or replaces the matcher factory for name.
func (r *Registry) RegisterMatcher(name string, f MatcherFactory) {
	if f == nil {
		return
	}
	r.matchers[name] = f
}

// Resolve builds the extractor and matcher named by cfg.General.Pipeline.
func (r *Registry) Resolve(cfg *config.Config) (features.Extractor, features.Matcher, error) {
	exName, mName, err := config.SplitPipeline(cfg.General.Pipeline)
	if err != nil {
		return nil, nil, err
	}
	exf, ok := r.extractors[exName]
	if !ok {
		return nil, nil, &config.Error{Field: "general.pipeline", Value: cfg.General.Pipeline, Reason: "no implementation registered for extractor " + exName}
	}
	mf, ok := r.matchers[mName]
	if !ok {
		return nil, nil, &config.Error{Field: "general.pipeline", Value: cfg.General.Pipeline, Reason: "no implementation registered for matcher " + mName}
	}
	ex, err := exf(cfg)
	if err != nil {
		return nil, nil, err
	}
	m, err := mf(cfg)
	if err != nil {
		return nil, nil, err
	}
	return ex, m, nil
}

// Extractors lists registered extractor names.
func (r *Registry) Extractors() []string {
	return sortedKeys(r.extractors)
}

// Matchers lists registered matcher names.
func (r *Registry) Matchers() []string {
	return sortedKeys(r.matchers)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
