package headers

import "strings"

type entry struct {
	name  string
	value string
}

// Map is an ordered case-insensitive name/value collection. Names are
// normalized to ASCII lowercase on ingest; insertion order is preserved for
// iteration and wire encoding. The zero value is ready for use.
//
// Map is not safe for concurrent use; each stream owns its maps.
type Map struct {
	entries []entry
	// inline maps inline slots to an index into entries, or noInline.
	inline []int
}

// New returns an empty Map.
func New() *Map { return &Map{} }

func (m *Map) ensureInline() {
	if m.inline == nil {
		m.inline = make([]int, len(inlineNames))
		for i := range m.inline {
			m.inline[i] = noInline
		}
	}
}

func lowerName(name string) string {
	for i := 0; i < len(name); i++ {
		if c := name[i]; c >= 'A' && c <= 'Z' {
			return strings.ToLower(name)
		}
	}
	return name
}

// Add inserts a header. Inserting an already-present inline name follows the
// name's policy: x-forwarded-for comma-concatenates, every other inline name
// overwrites. Non-inline names always append a new entry.
func (m *Map) Add(name, value string) {
	name = lowerName(name)
	slot := inlineSlot(name)
	if slot == noInline {
		m.entries = append(m.entries, entry{name, value})
		return
	}
	m.ensureInline()
	if idx := m.inline[slot]; idx != noInline {
		if inlineNames[slot].appendable {
			m.entries[idx].value += "," + value
		} else {
			m.entries[idx].value = value
		}
		return
	}
	m.inline[slot] = len(m.entries)
	m.entries = append(m.entries, entry{name, value})
}

// Set unconditionally replaces the first occurrence of name, appending when
// absent.
func (m *Map) Set(name, value string) {
	name = lowerName(name)
	if slot := inlineSlot(name); slot != noInline {
		m.ensureInline()
		if idx := m.inline[slot]; idx != noInline {
			m.entries[idx].value = value
			return
		}
		m.inline[slot] = len(m.entries)
		m.entries = append(m.entries, entry{name, value})
		return
	}
	for i := range m.entries {
		if m.entries[i].name == name {
			m.entries[i].value = value
			return
		}
	}
	m.entries = append(m.entries, entry{name, value})
}

// Get returns the value of the first entry with the given name.
func (m *Map) Get(name string) (string, bool) {
	name = lowerName(name)
	if slot := inlineSlot(name); slot != noInline {
		if m.inline == nil {
			return "", false
		}
		idx := m.inline[slot]
		if idx == noInline {
			return "", false
		}
		return m.entries[idx].value, true
	}
	for i := range m.entries {
		if m.entries[i].name == name {
			return m.entries[i].value, true
		}
	}
	return "", false
}

// Value returns the first value for name, or "".
func (m *Map) Value(name string) string {
	v, _ := m.Get(name)
	return v
}

// Has reports whether name is present.
func (m *Map) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Remove deletes every entry with the given name.
func (m *Map) Remove(name string) {
	name = lowerName(name)
	out := m.entries[:0]
	for _, e := range m.entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	if len(out) == len(m.entries) {
		return
	}
	m.entries = out
	m.reindex()
}

func (m *Map) reindex() {
	if m.inline == nil {
		return
	}
	for i := range m.inline {
		m.inline[i] = noInline
	}
	for i, e := range m.entries {
		if slot := inlineSlot(e.name); slot != noInline && m.inline[slot] == noInline {
			m.inline[slot] = i
		}
	}
}

// Iterate calls fn for each entry in insertion order until fn returns false.
func (m *Map) Iterate(fn func(name, value string) bool) {
	for _, e := range m.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// ByteSize returns the sum of name and value lengths.
func (m *Map) ByteSize() int {
	n := 0
	for _, e := range m.entries {
		n += len(e.name) + len(e.value)
	}
	return n
}

// Clone returns a deep copy preserving order.
func (m *Map) Clone() *Map {
	out := &Map{entries: make([]entry, len(m.entries))}
	copy(out.entries, m.entries)
	if m.inline != nil {
		out.inline = make([]int, len(m.inline))
		copy(out.inline, m.inline)
	}
	return out
}
