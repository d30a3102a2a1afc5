package vars

import (
	"sort"
	"sync"

	"github.com/dshills/pgnodes/internal/logging"
)

type memberKey struct {
	typ    string
	member string
}

// SpecialMemberRegistry maps (containing type, member) pairs to rendering
// overrides. The override applies to that member occurrence only; the
// member's declared type may render generically elsewhere.
type SpecialMemberRegistry struct {
	mu     sync.RWMutex
	rules  map[memberKey]*MemberRule
	frozen bool
}

// NewSpecialMemberRegistry creates an empty registry.
func NewSpecialMemberRegistry() *SpecialMemberRegistry {
	return &SpecialMemberRegistry{rules: make(map[memberKey]*MemberRule)}
}

// Register adds rule, replacing a previous rule for the same pair.
func (r *SpecialMemberRegistry) Register(rule MemberRule) error {
	rule.Type = stripType(rule.Type)

	if rule.Type == "" || rule.Member == "" {
		return &ConfigurationError{Type: rule.Type, Member: rule.Member, Reason: "empty type or member name"}
	}
	switch rule.Kind {
	case MemberArray:
		if rule.LengthExpr == "" {
			return &ConfigurationError{Type: rule.Type, Member: rule.Member, Reason: "array without length expression"}
		}
	case MemberChain:
		if rule.Next == "" {
			return &ConfigurationError{Type: rule.Type, Member: rule.Member, Reason: "chain without next member"}
		}
	case MemberCustom:
		if rule.Children == nil {
			return &ConfigurationError{Type: rule.Type, Member: rule.Member, Reason: "custom rule without child function"}
		}
	default:
		return &ConfigurationError{Type: rule.Type, Member: rule.Member, Reason: "unknown member kind"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	stored := rule
	r.rules[memberKey{rule.Type, rule.Member}] = &stored
	return nil
}

// RegisterAll registers rules, logging and skipping the ones rejected. It
// returns the number registered.
func (r *SpecialMemberRegistry) RegisterAll(log logging.Logger, rules ...MemberRule) int {
	if log == nil {
		log = logging.Discard
	}
	n := 0
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			log.Warn("skipping member rule %s.%s: %v", rule.Type, rule.Member, err)
			continue
		}
		n++
	}
	return n
}

// Lookup returns the override for member of typeName. The type is expected
// in normalized form.
func (r *SpecialMemberRegistry) Lookup(typeName, member string) (*MemberRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[memberKey{stripType(typeName), member}]
	return rule, ok
}

// Freeze makes the registry read-only.
func (r *SpecialMemberRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Len returns the number of rules.
func (r *SpecialMemberRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Members returns "Type.member" for every rule, sorted.
func (r *SpecialMemberRegistry) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rules))
	for k := range r.rules {
		out = append(out, k.typ+"."+k.member)
	}
	sort.Strings(out)
	return out
}
