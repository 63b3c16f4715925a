package changes

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// compileFilter compiles a boolean expression over the fields of T, such as
//
//	CollectionName == "Users" && Type == "Put"
func compileFilter[T any](expression string) (func(*T) bool, error) {
	var env T
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expression, err)
	}
	return func(v *T) bool {
		return matches(program, *v)
	}, nil
}

func matches(program *vm.Program, env any) bool {
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	b, _ := out.(bool)
	return b
}
