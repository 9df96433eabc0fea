package models

// StringSlice is a list of ids stored as a JSON column.
type StringSlice []string

// JSONMap is an arbitrary document stored as a JSON column.
type JSONMap map[string]interface{}

// Clone returns a shallow copy of the map.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
