package vars

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dshills/pgnodes/internal/logging"
)

// RulesFile is a user rules file. JSON files are accepted as well, being
// valid YAML.
//
//	arrays:
//	  - typeName: PlannerInfo
//	    memberName: join_rel_level
//	    lengthExpr: join_cur_level
//	aliases:
//	  - alias: MyNodePtr
//	    type: MyNode
type RulesFile struct {
	Version int         `yaml:"version" validate:"gte=0"`
	Arrays  []ArraySpec `yaml:"arrays"`
	Chains  []ChainSpec `yaml:"chains"`
	Aliases []AliasSpec `yaml:"aliases"`
}

// ArraySpec declares a member array.
type ArraySpec struct {
	TypeName    string `yaml:"typeName" validate:"required,ctype"`
	MemberName  string `yaml:"memberName" validate:"required,cident"`
	LengthExpr  string `yaml:"lengthExpr" validate:"required"`
	ElementType string `yaml:"elementType" validate:"omitempty,ctype"`
}

// ChainSpec declares a member chain.
type ChainSpec struct {
	TypeName    string `yaml:"typeName" validate:"required,ctype"`
	MemberName  string `yaml:"memberName" validate:"required,cident"`
	Next        string `yaml:"next" validate:"required,cident"`
	Value       string `yaml:"value" validate:"omitempty,cident"`
	ElementType string `yaml:"elementType" validate:"omitempty,ctype"`
}

// AliasSpec declares a typedef.
type AliasSpec struct {
	Alias string `yaml:"alias" validate:"required,ctype"`
	Type  string `yaml:"type" validate:"required,ctype,nefield=Alias"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cident", func(fl validator.FieldLevel) bool {
		return identifier.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("ctype", func(fl validator.FieldLevel) bool {
		s := strings.TrimSpace(fl.Field().String())
		if s == "" {
			return false
		}
		for _, part := range strings.Fields(strings.ReplaceAll(s, "*", " ")) {
			if !identifier.MatchString(part) {
				return false
			}
		}
		return true
	})
	return v
}

// ParseRules decodes a rules file.
func ParseRules(data []byte) (*RulesFile, error) {
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := validate.Struct(&rf); err != nil {
		return nil, fmt.Errorf("validate rules: %w", describeValidation(err))
	}
	return &rf, nil
}

// LoadRules reads and decodes the rules file at path.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rf, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rf, nil
}

// Apply registers the file's entries. Invalid entries are logged and
// skipped; the number applied is returned.
func (rf *RulesFile) Apply(nodes *NodeVarRegistry, members *SpecialMemberRegistry, log logging.Logger) int {
	if log == nil {
		log = logging.Discard
	}

	n := 0
	for i, a := range rf.Aliases {
		if err := validate.Struct(a); err != nil {
			log.Warn("rules: skipping aliases[%d]: %v", i, describeValidation(err))
			continue
		}
		if err := nodes.Alias(a.Alias, a.Type); err != nil {
			log.Warn("rules: skipping aliases[%d]: %v", i, err)
			continue
		}
		n++
	}

	for i, a := range rf.Arrays {
		if err := validate.Struct(a); err != nil {
			log.Warn("rules: skipping arrays[%d]: %v", i, describeValidation(err))
			continue
		}
		rule := MemberRule{
			Type:        nodes.Normalize(a.TypeName),
			Member:      a.MemberName,
			Kind:        MemberArray,
			LengthExpr:  a.LengthExpr,
			ElementType: a.ElementType,
		}
		if err := members.Register(rule); err != nil {
			log.Warn("rules: skipping arrays[%d]: %v", i, err)
			continue
		}
		n++
	}

	for i, c := range rf.Chains {
		if err := validate.Struct(c); err != nil {
			log.Warn("rules: skipping chains[%d]: %v", i, describeValidation(err))
			continue
		}
		rule := MemberRule{
			Type:        nodes.Normalize(c.TypeName),
			Member:      c.MemberName,
			Kind:        MemberChain,
			Next:        c.Next,
			Value:       c.Value,
			ElementType: c.ElementType,
		}
		if err := members.Register(rule); err != nil {
			log.Warn("rules: skipping chains[%d]: %v", i, err)
			continue
		}
		n++
	}

	return n
}

// describeValidation lists the failing fields of a validation error.
func describeValidation(err error) error {
	var valErr validator.ValidationErrors
	if !errors.As(err, &valErr) {
		return err
	}
	fields := make([]string, 0, len(valErr))
	for _, fe := range valErr {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return fmt.Errorf("invalid %s", strings.Join(fields, ", "))
}
