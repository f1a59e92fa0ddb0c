// Package guard provides a CEL-based request guard. A guard expression is
// evaluated against every request that reaches it; requests it rejects are
// answered 403 before the handler runs.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds guard expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, preventing cost-exhaustion
// through pathological expressions.
const maxCostBudget = 100_000

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// defaultEvalTimeout bounds a single evaluation when no timeout is
// configured.
const defaultEvalTimeout = 5 * time.Second

// Request is the evaluation input exposed to guard expressions.
type Request struct {
	// Method is the HTTP method.
	Method string

	// Path is the normalized request path.
	Path string

	// Caller is the rate-limit caller key (client address unless
	// overridden).
	Caller string

	// Subject is the authenticated subject, empty on public routes.
	Subject string
}

// Guard holds a compiled guard expression.
type Guard struct {
	prg     cel.Program
	timeout time.Duration
}

// newEnv declares the variables guard expressions may reference.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("caller", cel.StringType),
		cel.Variable("subject", cel.StringType),
	)
}

// Compile parses, checks and plans a guard expression. The timeout bounds
// each later evaluation; zero selects the default.
func Compile(expression string, timeout time.Duration) (*Guard, error) {
	if expression == "" {
		return nil, errors.New("guard expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("guard expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("guard expression must be boolean, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	return &Guard{prg: prg, timeout: timeout}, nil
}

// Allow evaluates the guard for one request. Evaluation errors count as
// rejection.
func (g *Guard) Allow(ctx context.Context, req Request) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, _, err := g.prg.ContextEval(ctx, map[string]any{
		"method":  req.Method,
		"path":    req.Path,
		"caller":  req.Caller,
		"subject": req.Subject,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return allowed, nil
}
