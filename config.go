package sbnc

import "encoding/json"

// ConfigAttr is one key/value pair on a config node. Values are
// JSON-encodable scalars or structures.
type ConfigAttr struct {
	Key   string
	Value interface{}
}

// ConfigNode is one node in the persistent configuration tree. Nodes
// have named children and an ordered attribute list; Child creates the
// named child on first access.
type ConfigNode interface {
	Name() string
	Child(name string) ConfigNode
	Children() []ConfigNode
	RemoveChild(name string) error

	Get(key string) (interface{}, bool)
	Set(key string, value interface{}) error
	Unset(key string) error
	Clear() error
	Attrs() []ConfigAttr

	// Append stores the value under a fresh unique key and returns
	// that key.
	Append(value interface{}) (string, error)
}

// configValue decodes an attribute into out through a JSON round trip,
// so callers get the same view whether the value came from storage or
// was set in-process. Returns false when the attribute is missing or
// does not fit.
func configValue(node ConfigNode, key string, out interface{}) bool {
	v, ok := node.Get(key)
	if !ok || v == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false
	}

	return json.Unmarshal(data, out) == nil
}

func configString(node ConfigNode, key, def string) string {
	if v, ok := node.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func configBool(node ConfigNode, key string, def bool) bool {
	if v, ok := node.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func configInt(node ConfigNode, key string, def int64) int64 {
	v, ok := node.Get(key)
	if !ok {
		return def
	}

	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return def
}
