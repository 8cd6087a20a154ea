package names

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Binding is one symbolic-to-alternate member mapping. An empty Desc
// matches every descriptor.
type Binding struct {
	Kind      Kind
	Owner     string
	Canonical string
	Alternate string
	Desc      string
}

type bindingKey struct {
	kind  Kind
	owner string
	name  string
	desc  string
}

// Table holds bindings. It is not safe for concurrent mutation; build it
// before handing it to a Resolver.
type Table struct {
	bindings map[bindingKey]Binding
	owners   map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{bindings: make(map[bindingKey]Binding), owners: make(map[string]int)}
}

// Add records b. A second binding for the same member is an error.
func (t *Table) Add(b Binding) error {
	if b.Owner == "" || b.Canonical == "" || b.Alternate == "" {
		return fmt.Errorf("%s binding %s.%s -> %q is incomplete", b.Kind, b.Owner, b.Canonical, b.Alternate)
	}
	k := bindingKey{b.Kind, b.Owner, b.Canonical, b.Desc}
	if prev, dup := t.bindings[k]; dup {
		return fmt.Errorf("%s %s.%s %s bound twice (%s, %s)", b.Kind, b.Owner, b.Canonical, b.Desc, prev.Alternate, b.Alternate)
	}
	t.bindings[k] = b
	t.owners[b.Owner]++
	return nil
}

// HasOwner reports whether any binding belongs to owner.
func (t *Table) HasOwner(owner string) bool { return t.owners[owner] > 0 }

// Lookup finds the binding for a member, preferring an exact descriptor
// match over a descriptor-less binding.
func (t *Table) Lookup(kind Kind, owner, name, desc string) (Binding, bool) {
	if b, ok := t.bindings[bindingKey{kind, owner, name, desc}]; ok {
		return b, true
	}
	b, ok := t.bindings[bindingKey{kind, owner, name, ""}]
	return b, ok
}

// Len returns the number of bindings.
func (t *Table) Len() int { return len(t.bindings) }

// Bindings returns every binding sorted by owner, kind, name and
// descriptor.
func (t *Table) Bindings() []Binding {
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Canonical != b.Canonical {
			return a.Canonical < b.Canonical
		}
		return a.Desc < b.Desc
	})
	return out
}

// mappingFile is the TOML layout of a mappings file:
//
//	[[method]]
//	owner = "net/minecraft/client/Minecraft"
//	name = "runTick"
//	alt = "func_71407_l"
//	desc = "()V"
//
//	[[field]]
//	owner = "net/minecraft/client/Minecraft"
//	name = "thePlayer"
//	alt = "field_71439_g"
type mappingFile struct {
	Methods []mappingEntry `toml:"method"`
	Fields  []mappingEntry `toml:"field"`
}

type mappingEntry struct {
	Owner string `toml:"owner"`
	Name  string `toml:"name"`
	Alt   string `toml:"alt"`
	Desc  string `toml:"desc"`
}

// ParseTable decodes a TOML mappings document.
func ParseTable(data []byte) (*Table, error) {
	var f mappingFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	t := NewTable()
	add := func(kind Kind, entries []mappingEntry) error {
		for i, e := range entries {
			if err := t.Add(Binding{Kind: kind, Owner: e.Owner, Canonical: e.Name, Alternate: e.Alt, Desc: e.Desc}); err != nil {
				return fmt.Errorf("%s %d: %w", kind, i+1, err)
			}
		}
		return nil
	}
	if err := add(KindMethod, f.Methods); err != nil {
		return nil, err
	}
	if err := add(KindField, f.Fields); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTable reads a TOML mappings file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return t, nil
}
