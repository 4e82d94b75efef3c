package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// SchemaRegistry holds the CUE definitions manifests are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("manifest", builtinManifestSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles a CUE schema and stores it under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// Validate checks data against the definition def of schema name.
func (sr *SchemaRegistry) Validate(name, def string, data interface{}) error {
	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	definition := schema.LookupPath(cue.ParsePath(def))
	if !definition.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	dataVal := sr.ctx.CompileBytes(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to compile data: %w", err)
	}

	unified := definition.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %s", errors.Details(err, nil))
	}
	return nil
}

// ValidateManifest checks a manifest document against the #Manifest schema.
func (sr *SchemaRegistry) ValidateManifest(doc *engine.ManifestDocument) error {
	return sr.Validate("manifest", "#Manifest", doc)
}

const builtinManifestSchema = `
#ID: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"

#Version: string & =~"^v?[0-9]+\\.[0-9]+(\\.[0-9]+)?(\\.[0-9]+)?$"

#Boundary: {
	min?:          #Version
	minExclusive?: bool
	max?:          #Version
	maxExclusive?: bool
}

#Dependency: {
	id:       #ID
	boundary: #Boundary
}

#Manifest: {
	componentId:   #ID
	version:       #Version
	type:          "install" | "patch" | "tool"
	description?:  string
	releaseDate?:  =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}$"
	dependencies?: [...#Dependency]
}
`
