package tools

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// JSONSchema is the subset of JSON Schema advertised for tool parameters in
// session.update.
type JSONSchema struct {
	Type                 string                `json:"type,omitempty"`
	Format               string                `json:"format,omitempty"`
	Description          string                `json:"description,omitempty"`
	Enum                 []string              `json:"enum,omitempty"`
	Properties           map[string]JSONSchema `json:"properties,omitempty"`
	Required             []string              `json:"required,omitempty"`
	Items                *JSONSchema           `json:"items,omitempty"`
	AdditionalProperties *bool                 `json:"additionalProperties,omitempty"`
}

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
)

// GenerateJSONSchema describes t for a tool's parameters. Struct fields honor
// three tags: json for the property name and omitempty, desc for the
// description and enum for a comma separated list of allowed values. Pointer
// and omitempty fields are optional; embedded structs are flattened.
func GenerateJSONSchema(t reflect.Type) *JSONSchema {
	if t == nil {
		return &JSONSchema{Type: "object"}
	}
	b := schemaBuilder{visiting: make(map[reflect.Type]bool)}
	return b.build(t)
}

// SchemaFor generates the schema of T.
func SchemaFor[T any]() *JSONSchema {
	return GenerateJSONSchema(reflect.TypeOf((*T)(nil)).Elem())
}

type schemaBuilder struct {
	// visiting breaks cycles in self-referencing types.
	visiting map[reflect.Type]bool
}

func (b schemaBuilder) build(t reflect.Type) *JSONSchema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return &JSONSchema{Type: "string", Format: "date-time"}
	case t == rawMessageType:
		return &JSONSchema{}
	}

	switch t.Kind() {
	case reflect.Struct:
		if b.visiting[t] {
			return &JSONSchema{Type: "object"}
		}
		b.visiting[t] = true
		defer delete(b.visiting, t)
		obj := &JSONSchema{Type: "object", Properties: make(map[string]JSONSchema)}
		b.addFields(obj, t)
		return obj
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &JSONSchema{Type: "string", Format: "byte"}
		}
		return &JSONSchema{Type: "array", Items: b.build(t.Elem())}
	case reflect.Map:
		return &JSONSchema{Type: "object"}
	case reflect.String:
		return &JSONSchema{Type: "string"}
	case reflect.Bool:
		return &JSONSchema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &JSONSchema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &JSONSchema{Type: "number"}
	case reflect.Interface:
		return &JSONSchema{}
	default:
		return &JSONSchema{Type: "string"}
	}
}

func (b schemaBuilder) addFields(obj *JSONSchema, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, optional, skip := fieldName(f)
		if skip {
			continue
		}
		if f.Anonymous && f.Tag.Get("json") == "" {
			et := f.Type
			if et.Kind() == reflect.Pointer {
				et = et.Elem()
			}
			if et.Kind() == reflect.Struct && et != timeType {
				b.addFields(obj, et)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}

		prop := b.build(f.Type)
		if desc := strings.TrimSpace(f.Tag.Get("desc")); desc != "" {
			prop.Description = desc
		}
		if enum := splitEnum(f.Tag.Get("enum")); len(enum) > 0 {
			prop.Enum = enum
		}
		obj.Properties[name] = *prop
		if !optional && f.Type.Kind() != reflect.Pointer {
			obj.Required = append(obj.Required, name)
		}
	}
}

// fieldName reads the json tag of f.
func fieldName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" || opt == "omitzero" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

func splitEnum(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
