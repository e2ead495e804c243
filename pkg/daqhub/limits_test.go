package daqhub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/daqhub/pkg/daqhub/parser"
)

func TestResourceLimits(t *testing.T) {
	t.Run("MaxExpressionsLimit", testMaxExpressionsLimit)
	t.Run("MaxComplexityLimit", testMaxComplexityLimit)
	t.Run("MaxSourceLengthLimit", testMaxSourceLengthLimit)
	t.Run("EvaluationTimeout", testEvaluationTimeout)
	t.Run("DefaultLimits", testDefaultLimits)
	t.Run("CustomLimits", testCustomLimits)
}

func testMaxExpressionsLimit(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetLimits(&RegistryLimits{MaxExpressions: 3, MaxComplexity: 1000, MaxSourceLength: 5000})

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Add(ExpressionDef{Name: fmt.Sprintf("expr_%d", i), Source: `"AI:Tank" * 2`}))
	}

	err := reg.Add(ExpressionDef{Name: "excess", Source: "1"})
	require.Error(t, err, "exceeding maximum expressions limit")
	assert.True(t, IsLimitError(err), "expected a limit error, got: %v", err)
	assert.Contains(t, err.Error(), "expressions limit exceeded")
	assert.Len(t, reg.Names(), 3, "rejected add should leave the table alone")

	// Replace is bound by the same limit.
	defs := make([]ExpressionDef, 4)
	for i := range defs {
		defs[i] = ExpressionDef{Name: fmt.Sprintf("r%d", i), Source: "1"}
	}
	err = reg.Replace(defs)
	assert.True(t, IsLimitError(err), "expected limit error from Replace, got: %v", err)
}

func testMaxComplexityLimit(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetLimits(&RegistryLimits{MaxExpressions: 10, MaxComplexity: 10, MaxSourceLength: 5000})

	require.NoError(t, reg.Add(ExpressionDef{Name: "simple", Source: `"AI:Tank" + 1`}))

	err := reg.Add(ExpressionDef{Name: "complex", Source: "1 + 2 + 3 + 4 + 5 + 6"})
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "expression complexity", limitErr.Resource)
	assert.Equal(t, 13, limitErr.Current)
}

func testMaxSourceLengthLimit(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetLimits(&RegistryLimits{MaxExpressions: 10, MaxComplexity: 1000, MaxSourceLength: 32})

	_, err := reg.Compile("short", "1 + 1")
	require.NoError(t, err)

	// Length is checked before parsing, so even garbage is a limit error.
	_, err = reg.Compile("long", strings.Repeat("@", 33))
	require.True(t, IsLimitError(err), "expected limit error for long source, got: %v", err)
	assert.Contains(t, err.Error(), "source length")

	_, err = reg.Validate(context.Background(), strings.Repeat("1+", 20)+"1", nil)
	assert.True(t, IsLimitError(err), "expected Validate to enforce source length, got: %v", err)
}

func testEvaluationTimeout(t *testing.T) {
	program, err := parser.Parse("x = 1\ny = x + 1\ny")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	e := NewEvaluator(testSnapshot(), nil)
	_, err = e.EvalWithContext(ctx, program)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, e.Writes(), "aborted evaluation should not write")

	// A registry pass under an expired context reports the error per
	// expression and keeps the previous output.
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(ExpressionDef{Name: "slow", Source: `"DO:Pump" = 1`, Enabled: true}))
	result := reg.Evaluate(ctx, testSnapshot(), 100)
	require.Len(t, result.Telemetry, 1)
	assert.NotEmpty(t, result.Telemetry[0].Error)
	assert.Empty(t, result.Writes)
}

func testDefaultLimits(t *testing.T) {
	limits := NewRegistry(nil).Limits()

	assert.Equal(t, 100, limits.MaxExpressions)
	assert.Equal(t, 1000, limits.MaxComplexity)
	assert.Equal(t, 5000, limits.MaxSourceLength)
}

func testCustomLimits(t *testing.T) {
	reg := NewRegistry(nil)
	custom := &RegistryLimits{MaxExpressions: 7, MaxComplexity: 42, MaxSourceLength: 256}
	reg.SetLimits(custom)
	assert.Equal(t, *custom, *reg.Limits())

	// Zero disables a limit.
	reg.SetLimits(&RegistryLimits{})
	_, err := reg.Compile("big", strings.Repeat("1 + ", 2000)+"1")
	assert.NoError(t, err)
}

func TestHostileSources(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr bool
		want    float64
	}{
		{"PathInSignalName", `"AI:../../etc/passwd"`, false, 0},
		{"FormatVerbsInSignalName", `"AI:%s%s%n" + 1`, false, 1},
		{"QuoteInjection", `"AI:Tank'; DROP TABLE x; --"`, false, 0},
		{"UnterminatedSignal", `"AI:Tank + 1`, true, 0},
		{"EmptySignal", `"" + 1`, true, 0},
		{"IllegalCharacter", "1 @ 2", true, 0},
		{"UnbalancedParens", "((((1)))", true, 0},
		{"DeepParens", strings.Repeat("(", 200) + "1" + strings.Repeat(")", 200), false, 1},
		{"HugeProduct", "4294967296 * 4294967296", false, 18446744073709551616},
		{"Overflow", "exp(100000)", false, 0},
		{"DivideByZero", "1 / 0", false, 0},
		{"UnknownFunction", "system(1)", true, 0},
		{"WriteToInput", `"AI:Tank" = 5`, true, 0},
	}

	reg := NewRegistry(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				res *ValidationResult
				err error
			)
			require.NotPanics(t, func() {
				res, err = reg.Validate(context.Background(), tt.source, testSnapshot())
			})
			gotErr := err != nil || (res != nil && res.RuntimeError != "")
			require.Equal(t, tt.wantErr, gotErr, "source %q: err=%v res=%+v", tt.source, err, res)
			if !tt.wantErr {
				assert.Equal(t, tt.want, res.Result)
			}
		})
	}
}

func TestDeepNestingHitsComplexityLimit(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Compile("nested", strings.Repeat("-", 1200)+"1")
	assert.True(t, IsLimitError(err), "expected complexity limit error, got: %v", err)
}

func TestConcurrentLimitEnforcement(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetLimits(&RegistryLimits{MaxExpressions: 10, MaxComplexity: 1000, MaxSourceLength: 5000})

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := reg.Add(ExpressionDef{Name: fmt.Sprintf("expr_%d", i), Source: "1", Enabled: true})
			if err != nil {
				assert.True(t, IsLimitError(err), "unexpected error: %v", err)
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, reg.Names(), 10)
	assert.Equal(t, int32(40), rejected.Load())
}

func TestConcurrentEvaluateAndReplace(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(ExpressionDef{Name: "a", Source: "static.n = static.n + 1", Enabled: true}))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				result := reg.Evaluate(ctx, testSnapshot(), 100)
				if !assert.Len(t, result.Telemetry, len(result.Outputs), "outputs and telemetry out of step") {
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			defs := []ExpressionDef{{Name: "a", Source: "static.n = static.n + 1", Enabled: true}}
			if j%2 == 0 {
				defs = append(defs, ExpressionDef{Name: "b", Source: `"EXPR:a" * 2`, Enabled: true})
			}
			if !assert.NoError(t, reg.Replace(defs)) {
				return
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 800.0, reg.Globals().Get("n"), "increments of static.n")
}
