package ir

// StateVersion is the snapshot document format version.
const StateVersion = 1

// State is the persisted snapshot: the last-known realized form of every
// managed resource plus root output values. Serial increments on every
// write and backs the optimistic conflict check.
type State struct {
	Version   int                     `json:"version"`
	Serial    uint64                  `json:"serial"`
	Lineage   string                  `json:"lineage"`
	Resources []*ResourceState        `json:"resources"`
	Outputs   map[string]*OutputState `json:"outputs,omitempty"`
}

// ResourceState is one realized resource entry. An entry is written
// atomically on node success and left untouched on node failure.
type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Status       string         `json:"status"`
	Inputs       map[string]any `json:"inputs"`
	InputsHash   string         `json:"inputs_hash,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Tainted      bool           `json:"tainted,omitempty"`
}

type OutputState struct {
	Value     any  `json:"value"`
	Sensitive bool `json:"sensitive,omitempty"`
}

// StatusRealized is the only status persisted for live entries; it is kept
// explicit in the document so external tooling can distinguish future
// deposed or degraded entries.
const StatusRealized = "realized"

// Addr returns the entry's global identity, "type.name".
func (rs *ResourceState) Addr() string {
	return rs.Type + "." + rs.Name
}

// Resource returns the entry for addr, or nil.
func (s *State) Resource(addr string) *ResourceState {
	for _, rs := range s.Resources {
		if rs.Addr() == addr {
			return rs
		}
	}
	return nil
}

// PutResource inserts or overwrites the entry for rs.Addr().
func (s *State) PutResource(rs *ResourceState) {
	for i, existing := range s.Resources {
		if existing.Addr() == rs.Addr() {
			s.Resources[i] = rs
			return
		}
	}
	s.Resources = append(s.Resources, rs)
}

// RemoveResource deletes the entry for addr if present.
func (s *State) RemoveResource(addr string) {
	for i, rs := range s.Resources {
		if rs.Addr() == addr {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return
		}
	}
}
