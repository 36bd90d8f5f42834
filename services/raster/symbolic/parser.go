// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolic

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseExpression parses a restricted arithmetic expression into a node
// tree.
//
// Description:
//
//	The grammar covers numeric literals, variables from the variable map
//	(with scalar property access like "a.mean"), registry function calls,
//	the operators + - * / ** with the usual precedence (** binds tighter
//	than unary minus and associates right), and parentheses. Nothing in
//	the expression ever executes host code.
//
// Inputs:
//
//	r - Function registry the expression's calls are checked against.
//	expression - The source text.
//	variables - Variable name to object specifier map.
//
// Outputs:
//
//	*DataNode - Root of the parsed tree, with Reference nodes for
//	            variables; nil on parse failure.
//	bool - False on any lex, syntax, or name error.
func ParseExpression(r *Registry, expression string, variables map[string]string) (*DataNode, bool) {
	tokens, ok := lex(expression)
	if !ok {
		return nil, false
	}
	p := &parser{reg: r, tokens: tokens, vars: variables}
	node, ok := p.parseExpr(0)
	if !ok || p.pos != len(p.tokens) {
		return nil, false
	}
	return node, true
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp    // + - * / **
	tokPunct // ( ) , .
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, bool) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i
			seenDot := false
			for j < len(src) {
				d := src[j]
				if d >= '0' && d <= '9' {
					j++
					continue
				}
				if d == '.' && !seenDot {
					seenDot = true
					j++
					continue
				}
				break
			}
			tokens = append(tokens, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (isIdentRune(rune(src[j]))) {
				j++
			}
			tokens = append(tokens, token{tokIdent, src[i:j]})
			i = j
		case c == '*':
			if i+1 < len(src) && src[i+1] == '*' {
				tokens = append(tokens, token{tokOp, "**"})
				i += 2
			} else {
				tokens = append(tokens, token{tokOp, "*"})
				i++
			}
		case strings.ContainsRune("+-/", c):
			tokens = append(tokens, token{tokOp, string(c)})
			i++
		case strings.ContainsRune("(),.", c):
			tokens = append(tokens, token{tokPunct, string(c)})
			i++
		default:
			return nil, false
		}
	}
	return tokens, true
}

func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

type parser struct {
	reg    *Registry
	tokens []token
	vars   map[string]string
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *parser) expect(kind tokenKind, text string) bool {
	t, ok := p.next()
	return ok && t.kind == kind && t.text == text
}

// Binding powers: + - then * / then unary minus then **.
func infixPower(op string) (int, bool) {
	switch op {
	case "+", "-":
		return 10, true
	case "*", "/":
		return 20, true
	case "**":
		return 40, true
	default:
		return 0, false
	}
}

const unaryPower = 30

func binaryFn(op string) FunctionID {
	switch op {
	case "+":
		return FnAdd
	case "-":
		return FnSub
	case "*":
		return FnMul
	case "/":
		return FnDiv
	case "**":
		return FnPow
	default:
		return FnInvalid
	}
}

func (p *parser) parseExpr(minPower int) (*DataNode, bool) {
	left, ok := p.parsePrefix()
	if !ok {
		return nil, false
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp {
			return left, true
		}
		power, ok := infixPower(t.text)
		if !ok || power < minPower {
			return left, true
		}
		p.pos++
		// ** associates right; the others left.
		nextMin := power + 1
		if t.text == "**" {
			nextMin = power
		}
		right, ok := p.parseExpr(nextMin)
		if !ok {
			return nil, false
		}
		left = NewBinaryNode(binaryFn(t.text), left, right)
	}
}

func (p *parser) parsePrefix() (*DataNode, bool) {
	t, ok := p.next()
	if !ok {
		return nil, false
	}
	switch {
	case t.kind == tokOp && t.text == "-":
		child, ok := p.parseExpr(unaryPower)
		if !ok {
			return nil, false
		}
		return NewUnaryNode(FnNeg, child), true

	case t.kind == tokOp && t.text == "+":
		return p.parseExpr(unaryPower)

	case t.kind == tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, false
		}
		return NewConstantNode(v), true

	case t.kind == tokPunct && t.text == "(":
		node, ok := p.parseExpr(0)
		if !ok || !p.expect(tokPunct, ")") {
			return nil, false
		}
		return node, true

	case t.kind == tokIdent:
		return p.parseIdent(t.text)

	default:
		return nil, false
	}
}

func (p *parser) parseIdent(name string) (*DataNode, bool) {
	if next, ok := p.peek(); ok && next.kind == tokPunct && next.text == "(" {
		return p.parseCall(name)
	}
	specifier, ok := p.vars[name]
	if !ok {
		return nil, false
	}
	if next, nok := p.peek(); nok && next.kind == tokPunct && next.text == "." {
		p.pos++
		prop, pok := p.next()
		if !pok || prop.kind != tokIdent {
			return nil, false
		}
		node := NewReferenceNode(specifier)
		node.Property = prop.text
		return node, true
	}
	return NewReferenceNode(specifier), true
}

func (p *parser) parseCall(name string) (*DataNode, bool) {
	fn := FunctionFromString(name)
	if fn == FnInvalid {
		return nil, false
	}
	if !p.expect(tokPunct, "(") {
		return nil, false
	}
	var args []*DataNode
	if t, ok := p.peek(); ok && !(t.kind == tokPunct && t.text == ")") {
		for {
			arg, ok := p.parseExpr(0)
			if !ok {
				return nil, false
			}
			args = append(args, arg)
			t, ok := p.next()
			if !ok || t.kind != tokPunct {
				return nil, false
			}
			if t.text == ")" {
				p.pos-- // let the shared close path consume it
				break
			}
			if t.text != "," {
				return nil, false
			}
		}
	}
	if !p.expect(tokPunct, ")") {
		return nil, false
	}
	switch {
	case p.reg.isUnary(fn):
		if len(args) != 1 {
			return nil, false
		}
		return NewUnaryNode(fn, args[0]), true
	case p.reg.isReducer(fn):
		if len(args) != 1 {
			return nil, false
		}
		return NewScalarNode(fn, args[0]), true
	case p.reg.isLibrary(fn):
		return NewFunctionNode(fn, args...), true
	default:
		return nil, false
	}
}
