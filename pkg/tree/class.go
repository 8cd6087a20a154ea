// Package tree is the decoded view of a class that hooks operate on.
// A Class wraps a parsed class file; each method body is decoded into an
// instruction list on first access and re-assembled by Encode only when a
// hook changed it.
package tree

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/insn"
)

var log = commonlog.GetLogger("asmhook.tree")

var (
	// ErrMethodNotFound is returned by Method when the class declares no
	// method with the requested name and descriptor.
	ErrMethodNotFound = errors.New("method not found")
	// ErrNoCode is returned by Method for abstract and native methods.
	ErrNoCode = errors.New("method has no code")
)

// Class is a decoded class.
type Class struct {
	File *classfile.ClassFile
	Name string

	methods map[string]*Method
}

// Handler is an exception table entry bound to labels. CatchType is ""
// for a catch-all handler.
type Handler struct {
	Start     *insn.Label
	End       *insn.Label
	Handler   *insn.Label
	CatchType string
}

// Line maps the instruction following Start to a source line.
type Line struct {
	Start *insn.Label
	Line  uint16
}

// Method is one decoded method body.
type Method struct {
	Owner     string
	Name      string
	Desc      string
	Access    uint16
	Insns     *insn.List
	Handlers  []Handler
	Lines     []Line
	MaxStack  int
	MaxLocals int

	// Modified is set by a committed hook application; only modified
	// methods are re-assembled.
	Modified bool

	index int
}

// Decode wraps a parsed class file.
func Decode(cf *classfile.ClassFile) (*Class, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("resolving class name: %w", err)
	}
	return &Class{File: cf, Name: name, methods: make(map[string]*Method)}, nil
}

// NewClass returns an empty public class extending super.
func NewClass(name, super string) (*Class, error) {
	pool := classfile.NewConstantPool()
	this, err := pool.AddClass(name)
	if err != nil {
		return nil, err
	}
	superIndex, err := pool.AddClass(super)
	if err != nil {
		return nil, err
	}
	cf := &classfile.ClassFile{
		MajorVersion: 52,
		ConstantPool: pool,
		AccessFlags:  classfile.AccPublic | classfile.AccSuper,
		ThisClass:    this,
		SuperClass:   superIndex,
	}
	return &Class{File: cf, Name: name, methods: make(map[string]*Method)}, nil
}

// AddMethod declares a method whose body is insns. The method is marked
// modified so Encode assembles it.
func (c *Class) AddMethod(access uint16, name, desc string, insns ...insn.Instruction) (*Method, error) {
	if c.File.FindMethod(name, desc) != nil {
		return nil, fmt.Errorf("method %s%s already declared", name, desc)
	}
	pool := c.File.ConstantPool
	nameIndex, err := pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	descIndex, err := pool.AddUtf8(desc)
	if err != nil {
		return nil, err
	}
	c.File.Methods = append(c.File.Methods, classfile.MethodInfo{
		AccessFlags:     access,
		NameIndex:       nameIndex,
		DescriptorIndex: descIndex,
		Name:            name,
		Descriptor:      desc,
		Code:            &classfile.CodeAttribute{},
	})
	m := &Method{
		Owner:    c.Name,
		Name:     name,
		Desc:     desc,
		Access:   access,
		Insns:    insn.NewList(insns...),
		Modified: true,
		index:    len(c.File.Methods) - 1,
	}
	c.methods[name+desc] = m
	return m, nil
}

// Method returns the decoded body of name+desc, decoding it on first use.
func (c *Class) Method(name, desc string) (*Method, error) {
	if m, ok := c.methods[name+desc]; ok {
		return m, nil
	}
	for i := range c.File.Methods {
		mi := &c.File.Methods[i]
		if mi.Name != name || mi.Descriptor != desc {
			continue
		}
		if mi.Code == nil {
			return nil, fmt.Errorf("%s.%s%s: %w", c.Name, name, desc, ErrNoCode)
		}
		m, err := decodeMethod(c.File.ConstantPool, mi.Code)
		if err != nil {
			return nil, fmt.Errorf("decoding %s.%s%s: %w", c.Name, name, desc, err)
		}
		m.Owner, m.Name, m.Desc, m.Access, m.index = c.Name, name, desc, mi.AccessFlags, i
		c.methods[name+desc] = m
		return m, nil
	}
	return nil, fmt.Errorf("%s.%s%s: %w", c.Name, name, desc, ErrMethodNotFound)
}

// Modified returns the decoded methods that changed, in declaration order.
func (c *Class) Modified() []*Method {
	var out []*Method
	for i := range c.File.Methods {
		mi := &c.File.Methods[i]
		if m, ok := c.methods[mi.Name+mi.Descriptor]; ok && m.Modified {
			out = append(out, m)
		}
	}
	return out
}

// Encode serializes the class, assembling every modified method.
func (c *Class) Encode() ([]byte, error) {
	for _, m := range c.Modified() {
		if err := c.assemble(m); err != nil {
			return nil, fmt.Errorf("assembling %s.%s%s: %w", c.Name, m.Name, m.Desc, err)
		}
	}
	return classfile.Bytes(c.File)
}
