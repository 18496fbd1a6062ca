package milter

import "strings"

// macroAccumulator is a per-session, insertion-ordered symbol→value map.
// It is never reset between stages: a later stage still sees macros
// defined for an earlier one unless redefined. Re-definition of a key
// overwrites its value in place, preserving the key's original position.
type macroAccumulator struct {
	order []string
	value map[string]string
}

func newMacroAccumulator() *macroAccumulator {
	return &macroAccumulator{value: make(map[string]string)}
}

// normalizeSymbol strips the {braces} some MTAs use around multi-byte
// macro names so that "j" and "{j}" are equivalent keys.
func normalizeSymbol(name string) string {
	if len(name) >= 2 && name[0] == '{' && name[len(name)-1] == '}' {
		return name[1 : len(name)-1]
	}
	return name
}

// define records the symbol/value pairs carried by one DefineMacro command,
// in the order they arrived on the wire. order's names must already be
// normalized (see normalizeSymbol) and index into pairs.
func (a *macroAccumulator) define(order []string, pairs map[string]string) {
	for _, k := range order {
		if _, exists := a.value[k]; !exists {
			a.order = append(a.order, k)
		}
		a.value[k] = pairs[k]
	}
}

// snapshot returns a shallow copy of the accumulator's current contents,
// suitable for attaching to one domain command. The copy is a plain map and
// does not keep the insertion order; orderedKeys reports that.
func (a *macroAccumulator) snapshot() map[string]string {
	out := make(map[string]string, len(a.order))
	for _, k := range a.order {
		out[k] = a.value[k]
	}
	return out
}

// orderedKeys exposes the insertion order, used by tests and diagnostics.
func (a *macroAccumulator) orderedKeys() []string {
	return append([]string(nil), a.order...)
}

func (a *macroAccumulator) String() string {
	var b strings.Builder
	for i, k := range a.order {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(a.value[k])
	}
	return b.String()
}
