package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser reads the one-line textual form of operations:
//
//	v2 = add v0, v1
//	v3:i32 = load [v2+v1*4-8]
//	store [r7+16], v3
//	r0 = copy 42
//
// Names of the form rN are physical registers, integers (optionally prefixed
// with '#') are constants, @N are labels, [..] are memory references and any
// other identifier is a local. Locals with the same name resolve to the same
// operand; an optional :type suffix fixes the type on first use.
type Parser struct {
	locals map[string]*Operand
}

// NewParser creates a parser with an empty local table
func NewParser() *Parser {
	return &Parser{locals: make(map[string]*Operand)}
}

// Locals returns the locals seen so far, by name
func (p *Parser) Locals() map[string]*Operand {
	return p.locals
}

// ParseOperation parses one operation
func (p *Parser) ParseOperation(line string) (*Operation, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty operation")
	}

	var dest *Operand
	if lhs, rhs, ok := strings.Cut(line, "="); ok {
		d, err := p.parseOperand(strings.TrimSpace(lhs))
		if err != nil {
			return nil, fmt.Errorf("destination of %q: %w", line, err)
		}
		dest = d
		line = strings.TrimSpace(rhs)
	}

	mnemonic, rest, _ := strings.Cut(line, " ")
	inst, ok := InstructionByMnemonic(mnemonic)
	if !ok {
		return nil, fmt.Errorf("unknown instruction %q", mnemonic)
	}

	var sources []*Operand
	if rest = strings.TrimSpace(rest); rest != "" {
		for _, tok := range strings.Split(rest, ",") {
			src, err := p.parseOperand(strings.TrimSpace(tok))
			if err != nil {
				return nil, fmt.Errorf("source of %q: %w", line, err)
			}
			sources = append(sources, src)
		}
	}
	return NewOperation(inst, dest, sources...), nil
}

func (p *Parser) parseOperand(tok string) (*Operand, error) {
	if tok == "" {
		return nil, fmt.Errorf("missing operand")
	}

	name, typ, err := splitType(tok)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(name, "["):
		if !strings.HasSuffix(name, "]") {
			return nil, fmt.Errorf("unterminated memory operand %q", tok)
		}
		return p.parseMemory(name[1:len(name)-1], typ)
	case strings.HasPrefix(name, "@"):
		id, err := strconv.Atoi(name[1:])
		if err != nil {
			return nil, fmt.Errorf("bad label %q", tok)
		}
		return LabelOperand(id), nil
	case isRegisterName(name):
		index, _ := strconv.Atoi(name[1:])
		return PhysicalRegister(index, RegisterTypeInteger, orDefault(typ)), nil
	}

	if v, err := strconv.ParseInt(strings.TrimPrefix(name, "#"), 0, 64); err == nil {
		return Const(v, orDefault(typ)), nil
	}

	if local, ok := p.locals[name]; ok {
		if typ != None && local.Type != typ {
			return nil, fmt.Errorf("local %s redeclared as %s, was %s", name, typ, local.Type)
		}
		return local, nil
	}
	local := NamedLocal(name, orDefault(typ))
	p.locals[name] = local
	return local, nil
}

func (p *Parser) parseMemory(inner string, typ Type) (*Operand, error) {
	var base, index *Operand
	scale := 1
	var disp int64

	for _, term := range splitTerms(inner) {
		sign := int64(1)
		if term[0] == '-' {
			sign = -1
		}
		body := strings.TrimSpace(strings.TrimLeft(term, "+-"))
		if body == "" {
			return nil, fmt.Errorf("empty term in [%s]", inner)
		}

		if lhs, rhs, ok := strings.Cut(body, "*"); ok {
			s, err := strconv.Atoi(strings.TrimSpace(rhs))
			if err != nil || index != nil {
				return nil, fmt.Errorf("bad scaled index in [%s]", inner)
			}
			op, err := p.parseAddressPart(strings.TrimSpace(lhs))
			if err != nil {
				return nil, err
			}
			index, scale = op, s
			continue
		}
		if v, err := strconv.ParseInt(body, 0, 32); err == nil {
			disp += sign * v
			continue
		}
		op, err := p.parseAddressPart(body)
		if err != nil {
			return nil, err
		}
		switch {
		case base == nil:
			base = op
		case index == nil:
			index = op
		default:
			return nil, fmt.Errorf("too many address terms in [%s]", inner)
		}
	}
	if base == nil {
		return nil, fmt.Errorf("memory operand [%s] has no base", inner)
	}
	return MemoryOperand(orDefault(typ), base, index, scale, int32(disp)), nil
}

func (p *Parser) parseAddressPart(tok string) (*Operand, error) {
	op, err := p.parseOperand(tok)
	if err != nil {
		return nil, err
	}
	if !op.IsLocalOrRegister() {
		return nil, fmt.Errorf("address part %q must be a local or register", tok)
	}
	return op, nil
}

// splitTerms splits "a+b*4-8" into "a", "+b*4", "-8"
func splitTerms(s string) []string {
	var terms []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == '+' || s[i] == '-' {
			terms = append(terms, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		terms = append(terms, s[start:])
	}
	return terms
}

func splitType(tok string) (string, Type, error) {
	i := strings.LastIndex(tok, ":")
	if i < 0 || strings.HasSuffix(tok[:i], "[") {
		return tok, None, nil
	}
	switch tok[i+1:] {
	case "i32":
		return tok[:i], I32, nil
	case "i64":
		return tok[:i], I64, nil
	case "f32":
		return tok[:i], FP32, nil
	case "f64":
		return tok[:i], FP64, nil
	case "v128":
		return tok[:i], V128, nil
	}
	return "", None, fmt.Errorf("unknown type in %q", tok)
}

func isRegisterName(s string) bool {
	if len(s) < 2 || s[0] != 'r' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func orDefault(t Type) Type {
	if t == None {
		return I64
	}
	return t
}
