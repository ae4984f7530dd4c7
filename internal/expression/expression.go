// Package expression compiles the boolean conditions used by plan selection
// rules and conditional message logging.
//
// Conditions use the govaluate syntax. Variables are supplied per evaluation
// and the following functions are available:
//
//	json(content, 'path')   value at a gjson path of a JSON document
//	header(headers, 'Name') case-insensitive header lookup
//	claim(claims, 'name')   JWT claim lookup
//	contains(s, 'sub')      substring test
package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/casbin/govaluate"
	"github.com/tidwall/gjson"
)

// Vars are the variables visible to a condition.
type Vars map[string]any

// Condition is a compiled boolean expression.
type Condition interface {
	// Evaluate returns the condition's verdict for vars. It returns the
	// context error when ctx is done before the result is known.
	Evaluate(ctx context.Context, vars Vars) (bool, error)

	// Source returns the expression text.
	Source() string
}

// Always is the condition of an empty expression.
var Always Condition = always{}

type always struct{}

func (always) Evaluate(ctx context.Context, _ Vars) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (always) Source() string { return "" }

type compiled struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// Compile parses src. An empty or blank source compiles to Always.
func Compile(src string) (Condition, error) {
	if strings.TrimSpace(src) == "" {
		return Always, nil
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}
	return &compiled{source: src, expr: expr}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) Condition {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *compiled) Source() string { return c.source }

func (c *compiled) Evaluate(ctx context.Context, vars Vars) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	result, err := c.expr.Evaluate(map[string]interface{}(vars))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	verdict, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", c.source, result)
	}
	return verdict, nil
}

var functions = map[string]govaluate.ExpressionFunction{
	"json":     jsonFunc,
	"header":   headerFunc,
	"claim":    claimFunc,
	"contains": containsFunc,
}

func jsonFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("json() takes 2 arguments, got %d", len(args))
	}
	path, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("json() path must be a string")
	}

	var result gjson.Result
	switch doc := args[0].(type) {
	case string:
		result = gjson.Get(doc, path)
	case []byte:
		result = gjson.GetBytes(doc, path)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("json() document must be a string, got %T", args[0])
	}
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}

func headerFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("header() takes 2 arguments, got %d", len(args))
	}
	name, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("header() name must be a string")
	}
	headers, _ := args[0].(map[string]string)
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, nil
		}
	}
	return "", nil
}

func claimFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("claim() takes 2 arguments, got %d", len(args))
	}
	name, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("claim() name must be a string")
	}
	claims, _ := args[0].(map[string]any)
	return claims[name], nil
}

func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains() takes 2 arguments, got %d", len(args))
	}
	s, _ := args[0].(string)
	sub, _ := args[1].(string)
	return strings.Contains(s, sub), nil
}
