package insn

import "math"

// Equal reports whether a and b match for pattern search: same concrete
// type, opcode and operands, with every label operand a wildcard. Two
// label markers always match.
func Equal(a, b Instruction) bool {
	switch x := a.(type) {
	case *SimpleInsn:
		y, ok := b.(*SimpleInsn)
		return ok && x.Op == y.Op
	case *VarInsn:
		y, ok := b.(*VarInsn)
		return ok && x.Op == y.Op && x.Var == y.Var
	case *IntInsn:
		y, ok := b.(*IntInsn)
		return ok && x.Op == y.Op && x.Operand == y.Operand
	case *IincInsn:
		y, ok := b.(*IincInsn)
		return ok && x.Var == y.Var && x.Incr == y.Incr
	case *JumpInsn:
		y, ok := b.(*JumpInsn)
		return ok && x.Op == y.Op
	case *FieldInsn:
		y, ok := b.(*FieldInsn)
		return ok && x.Op == y.Op && x.Owner == y.Owner && x.Name == y.Name && x.Desc == y.Desc
	case *MethodInsn:
		y, ok := b.(*MethodInsn)
		return ok && x.Op == y.Op && x.Owner == y.Owner && x.Name == y.Name && x.Desc == y.Desc && x.Itf == y.Itf
	case *InvokeDynamicInsn:
		y, ok := b.(*InvokeDynamicInsn)
		return ok && x.Name == y.Name && x.Desc == y.Desc
	case *TypeInsn:
		y, ok := b.(*TypeInsn)
		return ok && x.Op == y.Op && x.Desc == y.Desc
	case *LdcInsn:
		y, ok := b.(*LdcInsn)
		return ok && constEqual(x.Value, y.Value)
	case *MultiANewArrayInsn:
		y, ok := b.(*MultiANewArrayInsn)
		return ok && x.Desc == y.Desc && x.Dims == y.Dims
	case *TableSwitchInsn:
		y, ok := b.(*TableSwitchInsn)
		return ok && x.Min == y.Min && x.Max == y.Max
	case *LookupSwitchInsn:
		y, ok := b.(*LookupSwitchInsn)
		if !ok || len(x.Keys) != len(y.Keys) {
			return false
		}
		for k := range x.Keys {
			if x.Keys[k] != y.Keys[k] {
				return false
			}
		}
		return true
	case *LabelInsn:
		_, ok := b.(*LabelInsn)
		return ok
	}
	return false
}

// constEqual compares floating constants by bit pattern so NaN matches
// itself and 0.0 does not match -0.0.
func constEqual(a, b any) bool {
	switch x := a.(type) {
	case float32:
		y, ok := b.(float32)
		return ok && math.Float32bits(x) == math.Float32bits(y)
	case float64:
		y, ok := b.(float64)
		return ok && math.Float64bits(x) == math.Float64bits(y)
	}
	return a == b
}

// Clone deep-copies block. Labels marked inside the block are replaced by
// fresh labels and every reference to them is remapped; references to
// labels outside the block are kept.
func Clone(block []Instruction) []Instruction {
	fresh := make(map[*Label]*Label)
	for _, in := range block {
		if m, ok := in.(*LabelInsn); ok {
			fresh[m.Label] = NewLabel(m.Label.name)
		}
	}
	remap := func(l *Label) *Label {
		if n, ok := fresh[l]; ok {
			return n
		}
		return l
	}
	remapAll := func(ls []*Label) []*Label {
		out := make([]*Label, len(ls))
		for k, l := range ls {
			out[k] = remap(l)
		}
		return out
	}

	out := make([]Instruction, len(block))
	for k, in := range block {
		switch x := in.(type) {
		case *SimpleInsn:
			c := *x
			out[k] = &c
		case *VarInsn:
			c := *x
			out[k] = &c
		case *IntInsn:
			c := *x
			out[k] = &c
		case *IincInsn:
			c := *x
			out[k] = &c
		case *JumpInsn:
			out[k] = &JumpInsn{Op: x.Op, Target: remap(x.Target)}
		case *FieldInsn:
			c := *x
			out[k] = &c
		case *MethodInsn:
			c := *x
			out[k] = &c
		case *InvokeDynamicInsn:
			c := *x
			out[k] = &c
		case *TypeInsn:
			c := *x
			out[k] = &c
		case *LdcInsn:
			c := *x
			out[k] = &c
		case *MultiANewArrayInsn:
			c := *x
			out[k] = &c
		case *TableSwitchInsn:
			out[k] = &TableSwitchInsn{Min: x.Min, Max: x.Max, Default: remap(x.Default), Labels: remapAll(x.Labels)}
		case *LookupSwitchInsn:
			keys := make([]int32, len(x.Keys))
			copy(keys, x.Keys)
			out[k] = &LookupSwitchInsn{Default: remap(x.Default), Keys: keys, Labels: remapAll(x.Labels)}
		case *LabelInsn:
			out[k] = &LabelInsn{Label: fresh[x.Label]}
		}
	}
	return out
}

// UnboundLabels returns the labels referenced by block but not marked in
// it, in order of first reference.
func UnboundLabels(block []Instruction) []*Label {
	marked := make(map[*Label]bool)
	for _, in := range block {
		if m, ok := in.(*LabelInsn); ok {
			marked[m.Label] = true
		}
	}
	var out []*Label
	seen := make(map[*Label]bool)
	check := func(l *Label) {
		if !marked[l] && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	for _, in := range block {
		for _, l := range Targets(in) {
			check(l)
		}
	}
	return out
}

// Targets returns the labels in branches to.
func Targets(in Instruction) []*Label {
	switch x := in.(type) {
	case *JumpInsn:
		return []*Label{x.Target}
	case *TableSwitchInsn:
		return append([]*Label{x.Default}, x.Labels...)
	case *LookupSwitchInsn:
		return append([]*Label{x.Default}, x.Labels...)
	}
	return nil
}
