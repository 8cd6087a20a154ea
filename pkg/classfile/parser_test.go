package classfile

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// buildHello assembles a class equivalent to
//
//	public class Hello { public static int add(int a, int b) { return a + b; } }
//
// with a constant of every builder-supported kind in its pool.
func buildHello(t *testing.T) *ClassFile {
	t.Helper()
	pool := NewConstantPool()
	must := func(idx uint16, err error) uint16 {
		t.Helper()
		if err != nil {
			t.Fatalf("pool: %v", err)
		}
		return idx
	}

	this := must(pool.AddClass("Hello"))
	super := must(pool.AddClass("java/lang/Object"))
	must(pool.AddLong(1 << 40))
	must(pool.AddDouble(2.5))
	must(pool.AddString("hi"))
	must(pool.AddMemberref(TagMethodref, "java/lang/Object", "<init>", "()V"))

	cf := &ClassFile{
		MinorVersion: 0,
		MajorVersion: 52,
		ConstantPool: pool,
		AccessFlags:  AccPublic | AccSuper,
		ThisClass:    this,
		SuperClass:   super,
		Fields: []FieldInfo{{
			AccessFlags:     AccPrivate,
			NameIndex:       must(pool.AddUtf8("count")),
			DescriptorIndex: must(pool.AddUtf8("I")),
			Name:            "count",
			Descriptor:      "I",
		}},
		Methods: []MethodInfo{{
			AccessFlags:     AccPublic | AccStatic,
			NameIndex:       must(pool.AddUtf8("add")),
			DescriptorIndex: must(pool.AddUtf8("(II)I")),
			Name:            "add",
			Descriptor:      "(II)I",
			Code: &CodeAttribute{
				MaxStack:  2,
				MaxLocals: 2,
				Code:      []byte{0x1a, 0x1b, 0x60, 0xac}, // iload_0 iload_1 iadd ireturn
				Attributes: []AttributeInfo{
					{Name: "LineNumberTable", Data: []byte{0, 1, 0, 0, 0, 3}},
				},
			},
		}},
		Attributes: []AttributeInfo{{Name: "SourceFile", Data: []byte{0, 1}}},
	}
	return cf
}

func TestWriteParseRoundTrip(t *testing.T) {
	data, err := Bytes(buildHello(t))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	cf, err := ParseBytes(data)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}

	if cf.MajorVersion != 52 {
		t.Errorf("major version: got %d, want 52", cf.MajorVersion)
	}
	className, err := cf.ClassName()
	if err != nil {
		t.Fatalf("resolving this_class: %v", err)
	}
	if className != "Hello" {
		t.Errorf("this_class: got %q, want %q", className, "Hello")
	}
	if got := cf.SuperClassName(); got != "java/lang/Object" {
		t.Errorf("super_class: got %q", got)
	}

	add := cf.FindMethod("add", "(II)I")
	if add == nil {
		t.Fatal("add method not found")
	}
	if add.Code == nil {
		t.Fatal("add method has no Code attribute")
	}
	if !bytes.Equal(add.Code.Code, []byte{0x1a, 0x1b, 0x60, 0xac}) {
		t.Errorf("bytecode: got % x", add.Code.Code)
	}
	if add.Code.MaxStack != 2 || add.Code.MaxLocals != 2 {
		t.Errorf("max stack/locals: got %d/%d", add.Code.MaxStack, add.Code.MaxLocals)
	}
	if FindAttribute(add.Code.Attributes, "LineNumberTable") == nil {
		t.Error("LineNumberTable lost")
	}
	if FindAttribute(cf.Attributes, "SourceFile") == nil {
		t.Error("SourceFile lost")
	}
	if len(cf.Fields) != 1 || cf.Fields[0].Name != "count" {
		t.Errorf("fields: got %+v", cf.Fields)
	}

	again, err := Bytes(cf)
	if err != nil {
		t.Fatalf("Bytes after parse: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Error("parse then write is not byte-identical")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	good, err := Bytes(buildHello(t))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"bad magic", append([]byte{0xca, 0xfe, 0xd0, 0x0d}, good[4:]...), "magic"},
		{"truncated", good[:len(good)-3], "attribute"},
		{"trailing bytes", append(append([]byte{}, good...), 0), "trailing"},
		{"empty", nil, "magic"},
		{"attribute length past the end", hugeAttribute(good), "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes(tt.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// hugeAttribute rewrites the length of the trailing SourceFile attribute
// to 0xFFFFFFFF.
func hugeAttribute(good []byte) []byte {
	out := append([]byte{}, good...)
	n := len(out)
	copy(out[n-6:n-2], []byte{0xff, 0xff, 0xff, 0xff})
	return out
}

func TestReadNFromStream(t *testing.T) {
	// a plain reader has no Len, so the length is only discovered by reading
	r := strings.NewReader("abc")
	if _, err := readN(struct{ io.Reader }{r}, 1<<31); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short stream: got %v", err)
	}
	got, err := readN(struct{ io.Reader }{strings.NewReader("abcdef")}, 4)
	if err != nil || string(got) != "abcd" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestPoolInterning(t *testing.T) {
	pool := NewConstantPool()
	a, _ := pool.AddMemberref(TagFieldref, "a/B", "x", "I")
	b, _ := pool.AddMemberref(TagFieldref, "a/B", "x", "I")
	if a != b {
		t.Errorf("same field ref interned twice: %d, %d", a, b)
	}
	m, _ := pool.AddMemberref(TagMethodref, "a/B", "x", "()I")
	if m == a {
		t.Error("method ref shares index with field ref")
	}

	before := pool.Count()
	l, _ := pool.AddLong(7)
	if pool.Count() != before+2 {
		t.Errorf("long must take two slots: count %d -> %d", before, pool.Count())
	}
	if pool.Entry(l+1) != nil {
		t.Error("slot after a long must be empty")
	}

	ref, err := pool.ResolveMemberref(a)
	if err != nil {
		t.Fatalf("ResolveMemberref: %v", err)
	}
	if ref.ClassName != "a/B" || ref.Name != "x" || ref.Descriptor != "I" || ref.Kind != TagFieldref {
		t.Errorf("resolved %+v", ref)
	}

	if _, err := pool.AddMemberref(TagClass, "a/B", "x", "I"); err == nil {
		t.Error("expected error for non-member tag")
	}
}

func TestPoolInterningSeesParsedEntries(t *testing.T) {
	data, err := Bytes(buildHello(t))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	cf, err := ParseBytes(data)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	before := cf.ConstantPool.Count()
	if _, err := cf.ConstantPool.AddString("hi"); err != nil {
		t.Fatalf("AddString: %v", err)
	}
	if cf.ConstantPool.Count() != before {
		t.Errorf("existing string re-added: count %d -> %d", before, cf.ConstantPool.Count())
	}
}
