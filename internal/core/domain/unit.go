package domain

// Unit is one item of work read from the input source.
// Index is assigned at read time and stays stable across runs of the same input.
type Unit struct {
	Index  int64          `json:"index"`
	Fields map[string]any `json:"fields"`
}

// Field returns the named field, or nil when absent.
func (u Unit) Field(name string) any {
	if u.Fields == nil {
		return nil
	}
	return u.Fields[name]
}
