// Package expr decides whether a condition or watch expression can be
// evaluated against a paused program without changing its state.
package expr

import (
	"fmt"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

// SyntaxError is returned when the source text does not parse.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return e.Err.Error()
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// DisallowedError is returned when the expression parses but contains a
// construct that could have a side effect.
type DisallowedError struct {
	Construct string
}

func (e *DisallowedError) Error() string {
	return fmt.Sprintf("%s is not allowed", e.Construct)
}

// Validate parses source as a single JavaScript expression and checks that
// every node in it is free of side effects. Calls are rejected outright.
func Validate(source string) error {
	program, err := parser.ParseFile(nil, "", source, 0)
	if err != nil {
		return &SyntaxError{Err: err}
	}
	if len(program.Body) != 1 {
		return &DisallowedError{Construct: "more than one statement"}
	}
	stmt, ok := program.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return &DisallowedError{Construct: statementName(program.Body[0])}
	}
	return checkExpression(stmt.Expression)
}

func checkExpression(e ast.Expression) error {
	switch n := e.(type) {
	case nil:
		return nil

	case *ast.Identifier, *ast.ThisExpression,
		*ast.NumberLiteral, *ast.StringLiteral, *ast.BooleanLiteral,
		*ast.NullLiteral, *ast.RegExpLiteral:
		return nil

	case *ast.TemplateLiteral:
		if n.Tag != nil {
			return &DisallowedError{Construct: "tagged template"}
		}
		return checkAll(n.Expressions)

	case *ast.DotExpression:
		return checkExpression(n.Left)

	case *ast.BracketExpression:
		if err := checkExpression(n.Left); err != nil {
			return err
		}
		return checkExpression(n.Member)

	case *ast.OptionalChain:
		return checkExpression(n.Expression)

	case *ast.Optional:
		return checkExpression(n.Expression)

	case *ast.BinaryExpression:
		if err := checkExpression(n.Left); err != nil {
			return err
		}
		return checkExpression(n.Right)

	case *ast.ConditionalExpression:
		if err := checkExpression(n.Test); err != nil {
			return err
		}
		if err := checkExpression(n.Consequent); err != nil {
			return err
		}
		return checkExpression(n.Alternate)

	case *ast.SequenceExpression:
		return checkAll(n.Sequence)

	case *ast.ArrayLiteral:
		return checkAll(n.Value)

	case *ast.ObjectLiteral:
		for _, p := range n.Value {
			if err := checkProperty(p); err != nil {
				return err
			}
		}
		return nil

	case *ast.UnaryExpression:
		switch n.Operator {
		case token.TYPEOF, token.NOT, token.BITWISE_NOT, token.MINUS, token.PLUS, token.VOID:
			return checkExpression(n.Operand)
		case token.INCREMENT, token.DECREMENT:
			return &DisallowedError{Construct: "increment or decrement"}
		case token.DELETE:
			return &DisallowedError{Construct: "delete"}
		}
		return &DisallowedError{Construct: "unary operator " + n.Operator.String()}

	case *ast.AssignExpression:
		return &DisallowedError{Construct: "assignment"}
	case *ast.SpreadElement:
		// Spreading runs the iterator protocol, which advances generators.
		return &DisallowedError{Construct: "spread"}
	case *ast.CallExpression:
		return &DisallowedError{Construct: "function call"}
	case *ast.NewExpression:
		return &DisallowedError{Construct: "new"}
	case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
		return &DisallowedError{Construct: "function literal"}
	case *ast.ClassLiteral:
		return &DisallowedError{Construct: "class literal"}
	case *ast.YieldExpression:
		return &DisallowedError{Construct: "yield"}
	case *ast.AwaitExpression:
		return &DisallowedError{Construct: "await"}
	}

	return &DisallowedError{Construct: fmt.Sprintf("%T", e)}
}

func checkAll(list []ast.Expression) error {
	for _, e := range list {
		if err := checkExpression(e); err != nil {
			return err
		}
	}
	return nil
}

func checkProperty(p ast.Property) error {
	switch n := p.(type) {
	case *ast.PropertyKeyed:
		if n.Kind != ast.PropertyKindValue {
			return &DisallowedError{Construct: "method or accessor property"}
		}
		if n.Computed {
			if err := checkExpression(n.Key); err != nil {
				return err
			}
		}
		return checkExpression(n.Value)
	case *ast.PropertyShort:
		if n.Initializer != nil {
			return &DisallowedError{Construct: "property initializer"}
		}
		return nil
	case *ast.SpreadElement:
		return &DisallowedError{Construct: "spread"}
	}
	return &DisallowedError{Construct: fmt.Sprintf("%T", p)}
}

func statementName(s ast.Statement) string {
	switch s.(type) {
	case *ast.ReturnStatement:
		return "return"
	case *ast.ThrowStatement:
		return "throw"
	case *ast.DebuggerStatement:
		return "debugger"
	case *ast.ForStatement, *ast.ForInStatement, *ast.ForOfStatement, *ast.WhileStatement, *ast.DoWhileStatement:
		return "loop"
	case *ast.VariableStatement, *ast.LexicalDeclaration:
		return "declaration"
	case *ast.FunctionDeclaration:
		return "function declaration"
	case *ast.ClassDeclaration:
		return "class declaration"
	case *ast.EmptyStatement:
		return "empty statement"
	}
	return "statement"
}
