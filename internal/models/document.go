package models

import "time"

// DocumentIDField is the reserved identifier field on every document.
const DocumentIDField = "_id"

// Document is a schemaless record moved between instances. Field values are
// whatever the JSON decoder produced; code never assumes field types beyond
// what KindOf reports.
type Document map[string]interface{}

// ID returns the document identifier, or "" when absent or not a string.
func (d Document) ID() string {
	id, _ := d[DocumentIDField].(string)
	return id
}

// Clone returns a deep copy. Nested maps and slices are copied recursively so
// callers can mutate the result without touching the original.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(tv))
		for k, vv := range tv {
			m[k] = cloneValue(vv)
		}
		return m
	case Document:
		return map[string]interface{}(tv.Clone())
	case []interface{}:
		s := make([]interface{}, len(tv))
		for i, vv := range tv {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// FieldKind classifies a document field value. Schema extraction and
// sanitization dispatch on kinds only, never on concrete Go types.
type FieldKind string

const (
	KindNull     FieldKind = "null"
	KindBool     FieldKind = "bool"
	KindInt      FieldKind = "int"
	KindFloat    FieldKind = "float"
	KindString   FieldKind = "string"
	KindDatetime FieldKind = "datetime"
	KindBinary   FieldKind = "binary"
	KindArray    FieldKind = "array"
	KindObject   FieldKind = "object"
	KindUnknown  FieldKind = "unknown"
)

// KindOf maps a field value to its FieldKind. JSON decoding produces float64
// for all numbers; a float64 with no fractional part still reports KindFloat
// so that inference stays honest about what the wire carried.
func KindOf(v interface{}) FieldKind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case string:
		return KindString
	case time.Time, *time.Time:
		return KindDatetime
	case []byte:
		return KindBinary
	case []interface{}:
		return KindArray
	case map[string]interface{}, Document:
		return KindObject
	default:
		return KindUnknown
	}
}
