package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
	Anonymous:      true,
}

// SchemaFor reflects the parameter schema of T. Fields are described with
// `json` and `jsonschema` struct tags; fields without omitempty are required.
func SchemaFor[T any]() Schema {
	var s Schema
	data, err := json.Marshal(reflector.Reflect(new(T)))
	if err == nil {
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return ObjectSchema(nil)
	}
	return s.normalized()
}
