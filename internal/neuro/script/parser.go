package script

type parser struct {
	toks []token
	pos  int

	// compile-time symbol table: name → local slot
	locals map[string]int
	nSlots int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.typ != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(typ tokenType, what string) (token, error) {
	t := p.next()
	if t.typ != typ {
		return t, errAt(t.line, t.col, "expected %s, found %s", what, t)
	}
	return t, nil
}

// statement parses one `ident = expr` assignment.
func (p *parser) statement() (stmt, error) {
	name, err := p.expect(tokIdent, "identifier")
	if err != nil {
		return stmt{}, err
	}
	if isReservedName(name.text) {
		return stmt{}, errAt(name.line, name.col, "cannot assign to reserved name %q", name.text)
	}
	if _, err := p.expect(tokAssign, "'='"); err != nil {
		return stmt{}, err
	}
	rhs, err := p.ternary()
	if err != nil {
		return stmt{}, err
	}
	if _, err := p.expect(tokNewline, "end of statement"); err != nil {
		return stmt{}, err
	}

	slot, ok := p.locals[name.text]
	if !ok {
		slot = p.nSlots
		p.nSlots++
		p.locals[name.text] = slot
	}
	return stmt{name: name.text, slot: slot, rhs: rhs}, nil
}

// Precedence climbing: ternary → or → and → equality → comparison →
// additive → multiplicative → unary → postfix → primary.

func (p *parser) ternary() (expr, error) {
	cond, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	if p.peek().typ != tokQuestion {
		return cond, nil
	}
	p.next()
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return condExpr{cond: cond, then: then, els: els}, nil
}

func (p *parser) logicalOr() (expr, error) {
	return p.binary(p.logicalAnd, tokOr)
}

func (p *parser) logicalAnd() (expr, error) {
	return p.binary(p.equality, tokAnd)
}

func (p *parser) equality() (expr, error) {
	return p.binary(p.comparison, tokEq, tokNotEq)
}

func (p *parser) comparison() (expr, error) {
	return p.binary(p.additive, tokLess, tokLessEq, tokGreater, tokGreaterEq)
}

func (p *parser) additive() (expr, error) {
	return p.binary(p.multiplicative, tokPlus, tokMinus)
}

func (p *parser) multiplicative() (expr, error) {
	return p.binary(p.unary, tokStar, tokSlash, tokPercent)
}

func (p *parser) binary(operand func() (expr, error), ops ...tokenType) (expr, error) {
	lhs, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, op := range ops {
			if p.peek().typ == op {
				matched = true
				break
			}
		}
		if !matched {
			return lhs, nil
		}
		op := p.next()
		rhs, err := operand()
		if err != nil {
			return nil, err
		}
		lhs = binaryExpr{op: op.typ, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) unary() (expr, error) {
	if t := p.peek(); t.typ == tokMinus || t.typ == tokNot {
		p.next()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: t.typ, operand: operand}, nil
	}
	return p.primary()
}

func (p *parser) primary() (expr, error) {
	t := p.next()
	switch t.typ {
	case tokNumber:
		return numberLit(t.num), nil

	case tokLParen:
		e, err := p.ternary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil

	case tokIdent:
		return p.identifier(t)
	}
	return nil, errAt(t.line, t.col, "expected expression, found %s", t)
}

// identifier resolves an identifier into a feature index, member access,
// function call, builtin, or local reference. Unknown names are a
// compile error so typos fail at activation rather than at runtime.
func (p *parser) identifier(t token) (expr, error) {
	switch p.peek().typ {
	case tokLBracket:
		if t.text != "features" {
			return nil, errAt(t.line, t.col, "only features supports indexing, found %q", t.text)
		}
		p.next()
		idx, err := p.ternary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		return indexExpr{index: idx}, nil

	case tokDot:
		if t.text != "ref" && t.text != "prev" {
			return nil, errAt(t.line, t.col, "%q has no fields (only ref and prev do)", t.text)
		}
		p.next()
		field, err := p.expect(tokIdent, "field name")
		if err != nil {
			return nil, err
		}
		switch field.text {
		case "x", "y", "vx", "vy":
			return memberRef{base: t.text, field: field.text}, nil
		}
		return nil, errAt(field.line, field.col, "unknown field %s.%s (have x, y, vx, vy)", t.text, field.text)

	case tokLParen:
		arity, ok := builtinArity[t.text]
		if !ok {
			return nil, errAt(t.line, t.col, "unknown function %q", t.text)
		}
		p.next()
		var args []expr
		if p.peek().typ != tokRParen {
			for {
				a, err := p.ternary()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.peek().typ != tokComma {
					break
				}
				p.next()
			}
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		if len(args) != arity {
			return nil, errAt(t.line, t.col, "%s takes %d argument(s), got %d", t.text, arity, len(args))
		}
		return callExpr{fn: t.text, args: args}, nil
	}

	switch t.text {
	case "nfeatures", "hlen":
		return builtinRef{name: t.text}, nil
	}
	if slot, ok := p.locals[t.text]; ok {
		return localRef{name: t.text, slot: slot}, nil
	}
	return nil, errAt(t.line, t.col, "unknown identifier %q (assign it before use)", t.text)
}

func isReservedName(name string) bool {
	switch name {
	case "features", "ref", "prev", "nfeatures", "hlen":
		return true
	}
	_, isFn := builtinArity[name]
	return isFn
}
