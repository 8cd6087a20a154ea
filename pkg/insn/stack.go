package insn

import (
	"fmt"
	"strings"
)

// TypeSize returns the number of stack/local slots of a field descriptor.
func TypeSize(desc string) int {
	switch {
	case desc == "":
		return 0
	case desc[0] == 'J' || desc[0] == 'D':
		return 2
	case desc[0] == 'V':
		return 0
	}
	return 1
}

// DescriptorSizes returns the argument slot count and return slot count
// of a method descriptor, without the receiver.
func DescriptorSizes(desc string) (args, ret int, err error) {
	if !strings.HasPrefix(desc, "(") {
		return 0, 0, fmt.Errorf("invalid method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		start := i
		for i < len(desc) && desc[i] == '[' {
			i++
		}
		if i >= len(desc) {
			return 0, 0, fmt.Errorf("truncated method descriptor %q", desc)
		}
		if desc[i] == 'L' {
			end := strings.IndexByte(desc[i:], ';')
			if end < 0 {
				return 0, 0, fmt.Errorf("unterminated class in descriptor %q", desc)
			}
			i += end
		}
		i++
		if i-start > 1 && desc[start] == '[' {
			args++
		} else {
			args += TypeSize(desc[start:i])
		}
	}
	if i >= len(desc) {
		return 0, 0, fmt.Errorf("method descriptor %q has no return type", desc)
	}
	return args, TypeSize(desc[i+1:]), nil
}

// fixedEffects holds the stack delta of opcodes whose effect does not
// depend on operands.
var fixedEffects = map[Opcode]int{
	OpNop: 0, OpAconstNull: 1,
	OpIconstM1: 1, OpIconst0: 1, OpIconst1: 1, OpIconst2: 1, OpIconst3: 1, OpIconst4: 1, OpIconst5: 1,
	OpLconst0: 2, OpLconst1: 2, OpFconst0: 1, OpFconst1: 1, OpFconst2: 1, OpDconst0: 2, OpDconst1: 2,
	OpBipush: 1, OpSipush: 1,
	OpIload: 1, OpLload: 2, OpFload: 1, OpDload: 2, OpAload: 1,
	OpIaload: -1, OpLaload: 0, OpFaload: -1, OpDaload: 0, OpAaload: -1, OpBaload: -1, OpCaload: -1, OpSaload: -1,
	OpIstore: -1, OpLstore: -2, OpFstore: -1, OpDstore: -2, OpAstore: -1,
	OpIastore: -3, OpLastore: -4, OpFastore: -3, OpDastore: -4, OpAastore: -3, OpBastore: -3, OpCastore: -3, OpSastore: -3,
	OpPop: -1, OpPop2: -2, OpDup: 1, OpDupX1: 1, OpDupX2: 1, OpDup2: 2, OpDup2X1: 2, OpDup2X2: 2, OpSwap: 0,
	OpIadd: -1, OpLadd: -2, OpFadd: -1, OpDadd: -2, OpIsub: -1, OpLsub: -2, OpFsub: -1, OpDsub: -2,
	OpImul: -1, OpLmul: -2, OpFmul: -1, OpDmul: -2, OpIdiv: -1, OpLdiv: -2, OpFdiv: -1, OpDdiv: -2,
	OpIrem: -1, OpLrem: -2, OpFrem: -1, OpDrem: -2, OpIneg: 0, OpLneg: 0, OpFneg: 0, OpDneg: 0,
	OpIshl: -1, OpLshl: -1, OpIshr: -1, OpLshr: -1, OpIushr: -1, OpLushr: -1,
	OpIand: -1, OpLand: -2, OpIor: -1, OpLor: -2, OpIxor: -1, OpLxor: -2,
	OpIinc: 0,
	OpI2l: 1, OpI2f: 0, OpI2d: 1, OpL2i: -1, OpL2f: -1, OpL2d: 0, OpF2i: 0, OpF2l: 1, OpF2d: 1,
	OpD2i: -1, OpD2l: 0, OpD2f: -1, OpI2b: 0, OpI2c: 0, OpI2s: 0,
	OpLcmp: -3, OpFcmpl: -1, OpFcmpg: -1, OpDcmpl: -3, OpDcmpg: -3,
	OpIfeq: -1, OpIfne: -1, OpIflt: -1, OpIfge: -1, OpIfgt: -1, OpIfle: -1,
	OpIfIcmpeq: -2, OpIfIcmpne: -2, OpIfIcmplt: -2, OpIfIcmpge: -2, OpIfIcmpgt: -2, OpIfIcmple: -2,
	OpIfAcmpeq: -2, OpIfAcmpne: -2, OpGoto: 0, OpJsr: 1, OpRet: 0,
	OpTableswitch: -1, OpLookupswitch: -1,
	OpIreturn: -1, OpLreturn: -2, OpFreturn: -1, OpDreturn: -2, OpAreturn: -1, OpReturn: 0,
	OpNew: 1, OpNewarray: 0, OpAnewarray: 0, OpArraylength: 0, OpAthrow: 0,
	OpCheckcast: 0, OpInstanceof: 0, OpMonitorenter: -1, OpMonitorexit: -1,
	OpIfnull: -1, OpIfnonnull: -1,
	OpLabel: 0,
}

// StackEffect returns the change in operand stack depth, in slots, caused
// by executing in.
func StackEffect(in Instruction) (int, error) {
	switch x := in.(type) {
	case *FieldInsn:
		size := TypeSize(x.Desc)
		switch x.Op {
		case OpGetstatic:
			return size, nil
		case OpPutstatic:
			return -size, nil
		case OpGetfield:
			return size - 1, nil
		default:
			return -size - 1, nil
		}
	case *MethodInsn:
		args, ret, err := DescriptorSizes(x.Desc)
		if err != nil {
			return 0, err
		}
		if x.Op == OpInvokestatic {
			return ret - args, nil
		}
		return ret - args - 1, nil
	case *InvokeDynamicInsn:
		args, ret, err := DescriptorSizes(x.Desc)
		if err != nil {
			return 0, err
		}
		return ret - args, nil
	case *LdcInsn:
		switch x.Value.(type) {
		case int64, float64:
			return 2, nil
		case PoolConst:
			// Dynamic constants may be wide; count the worst case.
			return 2, nil
		}
		return 1, nil
	case *MultiANewArrayInsn:
		return 1 - x.Dims, nil
	}
	effect, ok := fixedEffects[in.Opcode()]
	if !ok {
		return 0, fmt.Errorf("no stack effect for %s", in.Opcode())
	}
	return effect, nil
}
