package insn

import (
	"fmt"
	"strconv"
	"strings"
)

// MemberResolver maps a symbolic member name to the binary name used by
// the running host. names.Resolver implements it.
type MemberResolver interface {
	ResolveField(owner, name, desc string) (string, error)
	ResolveMethod(owner, name, desc string) (string, error)
}

var arrayTypes = map[string]int32{
	"boolean": 4, "char": 5, "float": 6, "double": 7,
	"byte": 8, "short": 9, "int": 10, "long": 11,
}

// Parser reads instructions in the form produced by String. Label names
// are scoped to one Parser. Switches and invokedynamic cannot be parsed.
type Parser struct {
	resolver MemberResolver
	labels   map[string]*Label
}

// NewParser returns a parser resolving member names through r. A nil r
// keeps names verbatim.
func NewParser(r MemberResolver) *Parser {
	return &Parser{resolver: r, labels: make(map[string]*Label)}
}

// ParseBlock parses lines with one label scope.
func ParseBlock(r MemberResolver, lines []string) ([]Instruction, error) {
	p := NewParser(r)
	out := make([]Instruction, 0, len(lines))
	for i, line := range lines {
		in, err := p.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d %q: %w", i+1, line, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func (p *Parser) label(name string) *Label {
	if l, ok := p.labels[name]; ok {
		return l
	}
	l := NewLabel(name)
	p.labels[name] = l
	return l
}

// Parse parses one instruction.
func (p *Parser) Parse(line string) (Instruction, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty instruction")
	}
	if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
		return Mark(p.label(strings.TrimSuffix(line, ":"))), nil
	}
	mnemonic, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	op, ok := LookupOpcode(mnemonic)
	if !ok {
		return nil, fmt.Errorf("unknown opcode %q", mnemonic)
	}
	args := strings.Fields(rest)
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d operand(s), got %d", op, n, len(args))
		}
		return nil
	}

	switch op.Shape() {
	case ShapeNone:
		if err := need(0); err != nil {
			return nil, err
		}
		return New(op), nil
	case ShapeLabel:
		if err := need(1); err != nil {
			return nil, err
		}
		return Mark(p.label(args[0])), nil
	case ShapeVar:
		if err := need(1); err != nil {
			return nil, err
		}
		slot, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%s slot: %w", op, err)
		}
		return Var(op, int(slot)), nil
	case ShapeInt:
		if err := need(1); err != nil {
			return nil, err
		}
		if t, ok := arrayTypes[args[0]]; ok && op == OpNewarray {
			return Int(op, t), nil
		}
		v, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s operand: %w", op, err)
		}
		return build(func() Instruction { return Int(op, int32(v)) })
	case ShapeIinc:
		if err := need(2); err != nil {
			return nil, err
		}
		slot, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("IINC slot: %w", err)
		}
		incr, err := strconv.ParseInt(args[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("IINC increment: %w", err)
		}
		return Iinc(int(slot), int32(incr)), nil
	case ShapeJump:
		if err := need(1); err != nil {
			return nil, err
		}
		return Jump(op, p.label(args[0])), nil
	case ShapeField:
		if err := need(2); err != nil {
			return nil, err
		}
		owner, name, err := splitMember(args[0])
		if err != nil {
			return nil, err
		}
		if p.resolver != nil {
			if name, err = p.resolver.ResolveField(owner, name, args[1]); err != nil {
				return nil, err
			}
		}
		return Field(op, owner, name, args[1]), nil
	case ShapeMethod:
		itf := len(args) == 3 && args[2] == "itf"
		if !itf {
			if err := need(2); err != nil {
				return nil, err
			}
		}
		owner, name, err := splitMember(args[0])
		if err != nil {
			return nil, err
		}
		if p.resolver != nil {
			if name, err = p.resolver.ResolveMethod(owner, name, args[1]); err != nil {
				return nil, err
			}
		}
		m, err := build(func() Instruction { return Method(op, owner, name, args[1]) })
		if err != nil {
			return nil, err
		}
		if itf {
			m.(*MethodInsn).Itf = true
		}
		return m, nil
	case ShapeType:
		if err := need(1); err != nil {
			return nil, err
		}
		return Type(op, args[0]), nil
	case ShapeMultiANewArray:
		if err := need(2); err != nil {
			return nil, err
		}
		dims, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("MULTIANEWARRAY dimensions: %w", err)
		}
		return build(func() Instruction { return MultiANewArray(args[0], dims) })
	case ShapeLdc:
		v, err := parseConstant(rest)
		if err != nil {
			return nil, err
		}
		return Ldc(v), nil
	}
	return nil, fmt.Errorf("%s has no textual form", op)
}

func splitMember(s string) (owner, name string, err error) {
	dot := strings.LastIndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return "", "", fmt.Errorf("member reference %q is not owner.name", s)
	}
	return s[:dot], s[dot+1:], nil
}

func parseConstant(s string) (any, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("LDC without operand")
	case strings.HasPrefix(s, `"`):
		v, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("LDC string: %w", err)
		}
		return v, nil
	case strings.HasPrefix(s, "class "):
		return ClassConst{Name: strings.TrimSpace(strings.TrimPrefix(s, "class "))}, nil
	case strings.HasSuffix(s, "L"):
		v, err := strconv.ParseInt(strings.TrimSuffix(s, "L"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("LDC long: %w", err)
		}
		return v, nil
	case strings.HasSuffix(s, "F"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "F"), 32)
		if err != nil {
			return nil, fmt.Errorf("LDC float: %w", err)
		}
		return float32(v), nil
	case strings.HasSuffix(s, "D"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "D"), 64)
		if err != nil {
			return nil, fmt.Errorf("LDC double: %w", err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("LDC int: %w", err)
	}
	return int32(v), nil
}

// build turns a constructor panic into an error.
func build(f func() Instruction) (in Instruction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return f(), nil
}
