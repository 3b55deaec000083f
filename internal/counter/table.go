package counter

// Table maps loom keys to their working state. It is not safe for concurrent
// use: the scheduler resolves every entry of a batch before fanning out.
type Table struct {
	states map[string]*State
}

func NewTable() *Table {
	return &Table{states: make(map[string]*State)}
}

// Get returns the state for key, creating it on first use.
func (t *Table) Get(key string) *State {
	s, ok := t.states[key]
	if !ok {
		s = &State{}
		t.states[key] = s
	}
	return s
}

func (t *Table) Lookup(key string) (*State, bool) {
	s, ok := t.states[key]
	return s, ok
}

// Delete forgets key. A later Get starts from a fresh, unbaselined state.
func (t *Table) Delete(key string) {
	delete(t.states, key)
}

func (t *Table) Len() int {
	return len(t.states)
}
