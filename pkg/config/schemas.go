package config

import (
	"github.com/openfroyo/patchwork/pkg/manifest"
)

// ComponentSchemaName is the name the definition schema is registered under.
const ComponentSchemaName = "component"

// NewSchemaRegistry returns a manifest schema registry that also knows the
// component definition schema.
func NewSchemaRegistry() *manifest.SchemaRegistry {
	sr := manifest.NewSchemaRegistry()
	if err := sr.RegisterSchema(ComponentSchemaName, builtinComponentSchema); err != nil {
		panic(err)
	}
	return sr
}

// ValidateComponent checks a definition against the #Component schema.
func ValidateComponent(sr *manifest.SchemaRegistry, def ComponentDefinition) error {
	return sr.Validate(ComponentSchemaName, "#Component", def)
}

// Built-in schema definitions

const builtinComponentSchema = `
#ID: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"

#Version: string & =~"^v?[0-9]+\\.[0-9]+(\\.[0-9]+)?(\\.[0-9]+)?$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Boundary: {
	min?:          #Version
	minExclusive?: bool
	max?:          #Version
	maxInclusive?: bool
}

#Dependency: {
	id:   #ID
	min?: #Version
	max?: #Version
}

#Action: {
	kind:     "starlark" | "exec" | "wasm" | "ssh"
	script?:  string
	file?:    string
	command?: string
	args?: [...string]
	env?: {[string]: string}
	host?:    string
	timeout?: #Duration
	input?: {...}
}

#Patch: {
	type:         "install" | "patch"
	version:      #Version
	from?:        #Boundary
	releaseDate?: =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}$"
	description?: string
	dependencies?: [...#Dependency]
	before?: #Action
	after?:  #Action
}

#Component: {
	id:           #ID
	description?: string
	patches?: [...#Patch]
}
`
