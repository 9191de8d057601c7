package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Allowed(t *testing.T) {
	tests := []string{
		"x",
		"this",
		"n > 10",
		"a && b || !c",
		"user.name",
		"items[0].price * 2",
		"typeof req === 'object'",
		"count ? count : -1",
		"[a, b, 3]",
		"({a: 1, b: x.y})",
		"`id=${id}`",
		"a?.b?.c",
		"void 0",
		"~mask",
		"a, b",
		"/ab+c/",
		"null",
	}

	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			assert.NoError(t, Validate(src))
		})
	}
}

func TestValidate_Disallowed(t *testing.T) {
	tests := []struct {
		src       string
		construct string
	}{
		{"x = 1", "assignment"},
		{"x += 1", "assignment"},
		{"i++", "increment or decrement"},
		{"--i", "increment or decrement"},
		{"delete o.k", "delete"},
		{"f()", "function call"},
		{"a.b.c(1)", "function call"},
		{"new Date()", "new"},
		{"(function () {})", "function literal"},
		{"(() => 1)", "function literal"},
		{"(class A {})", "class literal"},
		{"tag`x`", "tagged template"},
		{"[1, x = 2]", "assignment"},
		{"[...it]", "spread"},
		{"[...it][0]", "spread"},
		{"({...o})", "spread"},
		{"({get a() { return 1 }})", "method or accessor property"},
		{"debugger", "debugger"},
		{"throw err", "throw"},
		{"var a = 1", "declaration"},
		{"while (true) {}", "loop"},
		{"a; b", "more than one statement"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			err := Validate(tt.src)
			require.Error(t, err)

			var disallowed *DisallowedError
			require.True(t, errors.As(err, &disallowed), "got %T: %v", err, err)
			assert.Equal(t, tt.construct, disallowed.Construct)
		})
	}
}

func TestValidate_SyntaxError(t *testing.T) {
	for _, src := range []string{"a +", "x ==== 1", "if (", "o.[1]"} {
		t.Run(src, func(t *testing.T) {
			err := Validate(src)
			require.Error(t, err)

			var syntax *SyntaxError
			assert.True(t, errors.As(err, &syntax), "got %T: %v", err, err)
		})
	}
}
