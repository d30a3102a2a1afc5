package vars

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/pgnodes/internal/logging"
)

// maxAliasDepth bounds typedef alias chains.
const maxAliasDepth = 8

// NodeVarRegistry maps type names to classification rules. It is populated
// at startup and frozen before use; after Freeze it is read-only and safe
// for concurrent use.
type NodeVarRegistry struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	aliases map[string]string
	frozen  bool
}

// NewNodeVarRegistry creates an empty registry.
func NewNodeVarRegistry() *NodeVarRegistry {
	return &NodeVarRegistry{
		rules:   make(map[string]*Rule),
		aliases: make(map[string]string),
	}
}

// Register adds rule, replacing a previous rule for the same type.
//
// Tagged rules need a discriminator and a tag table. A tag may map to the
// rule's own type (the base struct itself) or to a type that is not Tagged.
// Mapping to another Tagged type is accepted only when that type maps the
// same tag to itself; anything else could recurse and is rejected.
func (r *NodeVarRegistry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	rule.Type = r.normalizeLocked(rule.Type)
	if rule.Type == "" {
		return &ConfigurationError{Reason: "empty type name"}
	}

	switch rule.Kind {
	case Tagged:
		if rule.Discriminator == "" {
			return &ConfigurationError{Type: rule.Type, Reason: "tagged rule without discriminator"}
		}
		if len(rule.Tags) == 0 {
			return &ConfigurationError{Type: rule.Type, Reason: "tagged rule without tag table"}
		}
		if err := r.checkCycleLocked(&rule); err != nil {
			return err
		}
	case List:
		if rule.List == nil {
			return &ConfigurationError{Type: rule.Type, Reason: "list rule without layout"}
		}
		if !rule.List.linked() && (rule.List.Length == "" || rule.List.Elements == "") {
			return &ConfigurationError{Type: rule.Type, Reason: "list layout needs length and elements or head"}
		}
		if rule.List.linked() && rule.List.Next == "" {
			return &ConfigurationError{Type: rule.Type, Reason: "linked list layout without next member"}
		}
	case Array:
		return &ConfigurationError{Type: rule.Type, Reason: "array lengths are described by member rules"}
	case Special:
		if rule.Children == nil {
			return &ConfigurationError{Type: rule.Type, Reason: "special rule without child function"}
		}
	}

	stored := rule
	r.rules[rule.Type] = &stored
	return nil
}

func (r *NodeVarRegistry) checkCycleLocked(rule *Rule) error {
	for tag, target := range rule.Tags {
		target = r.normalizeLocked(target)
		if target == rule.Type {
			continue
		}
		if other, ok := r.rules[target]; ok && other.Kind == Tagged && r.normalizeLocked(other.Tags[tag]) != target {
			return &ConfigurationError{
				Type:   rule.Type,
				Reason: fmt.Sprintf("tag %s maps to tagged type %s (cycle)", tag, target),
			}
		}
	}

	// The new rule may itself be the target of an existing tagged rule.
	for _, other := range r.rules {
		if other.Kind != Tagged || other.Type == rule.Type {
			continue
		}
		for tag, target := range other.Tags {
			if r.normalizeLocked(target) != rule.Type {
				continue
			}
			if r.normalizeLocked(rule.Tags[tag]) != rule.Type {
				return &ConfigurationError{
					Type:   rule.Type,
					Reason: fmt.Sprintf("already a concrete type of %s for tag %s (cycle)", other.Type, tag),
				}
			}
		}
	}
	return nil
}

// RegisterAll registers rules, logging and skipping the ones rejected. It
// returns the number registered.
func (r *NodeVarRegistry) RegisterAll(log logging.Logger, rules ...Rule) int {
	if log == nil {
		log = logging.Discard
	}
	n := 0
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			log.Warn("skipping type rule %s: %v", rule.Type, err)
			continue
		}
		n++
	}
	return n
}

// Alias makes alias a name for typ, as a typedef does.
func (r *NodeVarRegistry) Alias(alias, typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	alias = stripType(alias)
	typ = stripType(typ)
	if alias == "" || typ == "" {
		return &ConfigurationError{Type: alias, Reason: "empty alias"}
	}
	if alias == typ {
		return &ConfigurationError{Type: alias, Reason: "alias of itself"}
	}

	// Reject loops through existing aliases.
	for t, depth := typ, 0; depth < maxAliasDepth; depth++ {
		next, ok := r.aliases[t]
		if !ok {
			break
		}
		if next == alias {
			return &ConfigurationError{Type: alias, Reason: "alias loop through " + typ}
		}
		t = next
	}

	r.aliases[alias] = typ
	return nil
}

// Freeze makes the registry read-only.
func (r *NodeVarRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Classify returns the rule for typeName. The type name is normalized
// first, so "const struct List *" finds the rule for "List".
func (r *NodeVarRegistry) Classify(typeName string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := r.normalizeLocked(typeName)
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return rule, nil
}

// Normalize strips qualifiers and pointers from typeName and resolves
// aliases.
func (r *NodeVarRegistry) Normalize(typeName string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.normalizeLocked(typeName)
}

func (r *NodeVarRegistry) normalizeLocked(typeName string) string {
	name := stripType(typeName)
	for depth := 0; depth < maxAliasDepth; depth++ {
		next, ok := r.aliases[name]
		if !ok {
			break
		}
		name = next
	}
	return name
}

// Types returns the registered type names, sorted.
func (r *NodeVarRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rules))
	for t := range r.rules {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of rules.
func (r *NodeVarRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

var typeQualifiers = map[string]bool{
	"const":    true,
	"volatile": true,
	"struct":   true,
	"union":    true,
	"enum":     true,
	"restrict": true,
}

// stripType removes qualifiers, pointer stars and extra spaces.
func stripType(typeName string) string {
	t := strings.ReplaceAll(typeName, "*", " ")
	fields := strings.Fields(t)
	out := fields[:0]
	for _, f := range fields {
		if !typeQualifiers[f] {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// pointerDepth counts the pointer stars of typeName.
func pointerDepth(typeName string) int {
	return strings.Count(typeName, "*")
}
