package internal

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/lychee-technology/keel"
)

// ExpressionRule is an entity-level rule written as an expr-lang boolean
// expression over the entity's values, e.g. `quantity > 0 || status == "draft"`.
type ExpressionRule struct {
	name       string
	property   string
	expression string
	message    string
	program    *exprvm.Program
}

// NewExpressionRule compiles the expression once.
func NewExpressionRule(name, property, expression, message string) (*ExpressionRule, error) {
	if expression == "" {
		return nil, fmt.Errorf("rule %q: expression must not be empty", name)
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("rule %q: compile %q: %w", name, expression, err)
	}
	if name == "" {
		name = "rule"
	}
	if message == "" {
		message = fmt.Sprintf("failed rule %s", name)
	}
	return &ExpressionRule{
		name:       name,
		property:   property,
		expression: expression,
		message:    message,
		program:    program,
	}, nil
}

func (r *ExpressionRule) Name() string     { return r.name }
func (r *ExpressionRule) Property() string { return r.property }

// Check runs the rule; a false result yields the configured message.
func (r *ExpressionRule) Check(entity *keel.Entity) (*string, error) {
	env := make(map[string]any, len(entity.Values))
	for k, v := range entity.Values {
		if ref, ok := v.(*keel.Entity); ok {
			env[k] = ref.Values
			continue
		}
		env[k] = v
	}
	out, err := exprlang.Run(r.program, env)
	if err != nil {
		return nil, fmt.Errorf("rule %q: evaluate %q: %w", r.name, r.expression, err)
	}
	ok, _ := out.(bool)
	if ok {
		return nil, nil
	}
	msg := r.message
	return &msg, nil
}
