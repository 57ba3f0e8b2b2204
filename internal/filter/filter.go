// Package filter decides which remote entity states are mirrored locally.
//
// Evaluation order is fixed: exclude sets, include sets, then the ordered
// rule list. Exclusion always wins over inclusion. When any include set is
// non-empty only included entities pass. Every rule is a gate: an entity
// has to satisfy all rules to be accepted.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/zorak1103/ha-remote/internal/entityid"
)

// AttrUnitOfMeasurement is the state attribute compared by unit rules.
const AttrUnitOfMeasurement = "unit_of_measurement"

// Reason explains why an entity was dropped.
type Reason string

// Drop reasons. They double as metric label values.
const (
	ReasonNone            Reason = ""
	ReasonInvalidEntityID Reason = "invalid_entity_id"
	ReasonExcludedEntity  Reason = "excluded_entity"
	ReasonExcludedDomain  Reason = "excluded_domain"
	ReasonNotIncluded     Reason = "not_included"
	ReasonPatternMismatch Reason = "pattern_mismatch"
	ReasonUnitMismatch    Reason = "unit_mismatch"
	ReasonBelow           Reason = "below"
	ReasonAbove           Reason = "above"
)

// Rule is a single filter entry. Empty fields do not constrain.
type Rule struct {
	EntityID          string   // glob pattern matched against the remote entity id
	UnitOfMeasurement string   // required unit_of_measurement attribute
	Below             *float64 // drop numeric states lower than this
	Above             *float64 // drop numeric states higher than this
}

// Config holds the include/exclude sets and rules of one connection.
type Config struct {
	IncludeEntities []string
	IncludeDomains  []string
	ExcludeEntities []string
	ExcludeDomains  []string
	Rules           []Rule
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Accepted bool
	Reason   Reason
	// Rule is the index of the rule that dropped the entity, or -1.
	Rule   int
	Detail string
}

func accept() Decision {
	return Decision{Accepted: true, Rule: -1}
}

func drop(reason Reason, rule int, format string, args ...any) Decision {
	return Decision{Reason: reason, Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

type compiledRule struct {
	Rule
	pattern glob.Glob
}

// Engine evaluates entity states against a Config. It is immutable and
// safe for concurrent use.
type Engine struct {
	includeEntities entityid.Set
	includeDomains  map[string]struct{}
	excludeEntities entityid.Set
	excludeDomains  map[string]struct{}
	rules           []compiledRule
}

// ValidatePattern reports whether pattern is a usable entity id glob.
func ValidatePattern(pattern string) error {
	if _, err := glob.Compile(entityid.Normalize(pattern)); err != nil {
		return fmt.Errorf("invalid entity_id pattern %q: %w", pattern, err)
	}
	return nil
}

// New compiles cfg into an Engine.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		includeEntities: entityid.NewSet(cfg.IncludeEntities...),
		includeDomains:  domainSet(cfg.IncludeDomains),
		excludeEntities: entityid.NewSet(cfg.ExcludeEntities...),
		excludeDomains:  domainSet(cfg.ExcludeDomains),
		rules:           make([]compiledRule, 0, len(cfg.Rules)),
	}

	for i, r := range cfg.Rules {
		cr := compiledRule{Rule: r}
		if r.EntityID != "" {
			g, err := glob.Compile(entityid.Normalize(r.EntityID))
			if err != nil {
				return nil, fmt.Errorf("filter rule %d: invalid entity_id pattern %q: %w", i, r.EntityID, err)
			}
			cr.pattern = g
		}
		if r.Below != nil && r.Above != nil && *r.Below > *r.Above {
			return nil, fmt.Errorf("filter rule %d: below (%v) is greater than above (%v)", i, *r.Below, *r.Above)
		}
		e.rules = append(e.rules, cr)
	}

	return e, nil
}

// MustNew is like New but panics on error. Intended for tests and static tables.
func MustNew(cfg Config) *Engine {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

func domainSet(domains []string) map[string]struct{} {
	m := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		m[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return m
}

// Evaluate decides whether the remote entity with the given state and
// attributes should be mirrored. A nil Engine accepts everything that has
// a valid entity id.
func (e *Engine) Evaluate(entityID, state string, attrs map[string]any) Decision {
	id := entityid.Normalize(entityID)
	domain, _, err := entityid.Split(id)
	if err != nil {
		return drop(ReasonInvalidEntityID, -1, "%v", err)
	}
	if e == nil {
		return accept()
	}

	if e.excludeEntities.Has(id) {
		return drop(ReasonExcludedEntity, -1, "entity %s is excluded", id)
	}
	if _, ok := e.excludeDomains[domain]; ok {
		return drop(ReasonExcludedDomain, -1, "domain %s is excluded", domain)
	}

	if len(e.includeEntities) > 0 || len(e.includeDomains) > 0 {
		_, domainIncluded := e.includeDomains[domain]
		if !e.includeEntities.Has(id) && !domainIncluded {
			return drop(ReasonNotIncluded, -1, "entity %s is not included", id)
		}
	}

	for i, r := range e.rules {
		if d, ok := r.check(i, id, state, attrs); !ok {
			return d
		}
	}

	return accept()
}

func (r compiledRule) check(i int, id, state string, attrs map[string]any) (Decision, bool) {
	if r.pattern != nil && !r.pattern.Match(id) {
		return drop(ReasonPatternMismatch, i, "entity %s does not match %q", id, r.EntityID), false
	}

	if r.UnitOfMeasurement != "" {
		unit, ok := attrs[AttrUnitOfMeasurement]
		if !ok {
			return drop(ReasonUnitMismatch, i, "entity %s has no unit, want %q", id, r.UnitOfMeasurement), false
		}
		if fmt.Sprint(unit) != r.UnitOfMeasurement {
			return drop(ReasonUnitMismatch, i, "entity %s unit %v, want %q", id, unit, r.UnitOfMeasurement), false
		}
	}

	if r.Below == nil && r.Above == nil {
		return Decision{}, true
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil {
		// Non-numeric states are not subject to bounds.
		return Decision{}, true
	}
	if r.Below != nil && value < *r.Below {
		return drop(ReasonBelow, i, "state %v of %s is below %v", value, id, *r.Below), false
	}
	if r.Above != nil && value > *r.Above {
		return drop(ReasonAbove, i, "state %v of %s is above %v", value, id, *r.Above), false
	}

	return Decision{}, true
}
