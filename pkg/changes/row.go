package changes

// Row is a flat, ordered column -> value record. Keys keep the position of
// their first insertion; setting an existing key replaces its value only.
type Row struct {
	keys   []string
	values map[string]string
}

// NewRow creates an empty Row
func NewRow() *Row {
	return &Row{values: make(map[string]string)}
}

// Set stores value under key
func (r *Row) Set(key, value string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored under key
func (r *Row) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the column names in insertion order
func (r *Row) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of columns
func (r *Row) Len() int {
	return len(r.keys)
}

// Map returns a copy of the row as a plain map
func (r *Row) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}
