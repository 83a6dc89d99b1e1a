package core

import "fmt"

// Address segment keys.
const (
	AddressHost   = "host"
	AddressServer = "server"
)

// AddressElement is one (key, value) segment of an operation address.
type AddressElement struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Operation is the descriptor a task hands to a Transport. Transports treat
// it as an opaque payload addressed to Target().
type Operation struct {
	Address []AddressElement `json:"address"`
	Name    string           `json:"operation"`
	Params  map[string]any   `json:"params"`
}

// Target returns the value of the host address segment.
func (op Operation) Target() string {
	for _, el := range op.Address {
		if el.Key == AddressHost {
			return el.Value
		}
	}
	return ""
}

// Get returns a parameter value.
func (op Operation) Get(key string) (any, bool) {
	v, ok := op.Params[key]
	return v, ok
}

// StringParam returns the parameter as a string, or "" when absent.
func (op Operation) StringParam(key string) string {
	v, ok := op.Params[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int64Param returns the parameter as an int64. JSON decoding yields float64, so
// that is accepted too.
func (op Operation) Int64Param(key string) (int64, bool) {
	switch v := op.Params[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Equal reports whether both descriptors have the same address, name and
// parameters. Parameter values must be comparable scalars.
func (op Operation) Equal(other Operation) bool {
	if op.Name != other.Name || len(op.Address) != len(other.Address) || len(op.Params) != len(other.Params) {
		return false
	}
	for i := range op.Address {
		if op.Address[i] != other.Address[i] {
			return false
		}
	}
	for k, v := range op.Params {
		ov, ok := other.Params[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
