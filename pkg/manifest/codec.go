package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// Format names a manifest encoding.
type Format string

const (
	// FormatYAML encodes manifests as YAML documents.
	FormatYAML Format = "yaml"

	// FormatJSON encodes manifests as compact JSON.
	FormatJSON Format = "json"
)

// Codec implements engine.ManifestCodec. Every document is checked with
// struct tags and the #Manifest CUE schema in both directions.
type Codec struct {
	format    Format
	validate  *validator.Validate
	schemas   *SchemaRegistry
	skipCheck bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithSchemaRegistry shares a schema registry between codecs.
func WithSchemaRegistry(sr *SchemaRegistry) Option {
	return func(c *Codec) { c.schemas = sr }
}

// WithoutValidation disables document checks. Used when reading rows
// written by older versions.
func WithoutValidation() Option {
	return func(c *Codec) { c.skipCheck = true }
}

// NewCodec creates a codec for the given format.
func NewCodec(format Format, opts ...Option) (*Codec, error) {
	switch format {
	case FormatYAML, FormatJSON:
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}

	c := &Codec{format: format, validate: validator.New()}
	for _, opt := range opts {
		opt(c)
	}
	if c.schemas == nil {
		c.schemas = NewSchemaRegistry()
	}
	return c, nil
}

// NewYAMLCodec creates a YAML codec.
func NewYAMLCodec(opts ...Option) *Codec {
	c, _ := NewCodec(FormatYAML, opts...)
	return c
}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec(opts ...Option) *Codec {
	c, _ := NewCodec(FormatJSON, opts...)
	return c
}

// Format returns the encoding of the codec.
func (c *Codec) Format() Format { return c.format }

// Encode implements engine.ManifestCodec.
func (c *Codec) Encode(doc *engine.ManifestDocument) ([]byte, error) {
	if err := c.check(doc); err != nil {
		return nil, err
	}

	switch c.format {
	case FormatJSON:
		return json.Marshal(doc)
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// Decode implements engine.ManifestCodec. JSON input is accepted by the
// YAML codec as well.
func (c *Codec) Decode(data []byte) (*engine.ManifestDocument, error) {
	doc := &engine.ManifestDocument{}

	var err error
	switch c.format {
	case FormatJSON:
		err = json.Unmarshal(data, doc)
	default:
		err = yaml.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if err := c.check(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Codec) check(doc *engine.ManifestDocument) error {
	if c.skipCheck {
		return nil
	}
	if doc == nil {
		return fmt.Errorf("manifest is nil")
	}
	if err := c.validate.Struct(doc); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := c.schemas.ValidateManifest(doc); err != nil {
		return fmt.Errorf("invalid manifest %s: %w", doc.ComponentID, err)
	}
	if doc.Type == engine.PackageTypePatch {
		if len(doc.Dependencies) == 0 || doc.Dependencies[0].ComponentID != doc.ComponentID {
			return fmt.Errorf("invalid manifest %s: upgrade manifest must start with its own boundary", doc.ComponentID)
		}
	}
	for _, dep := range doc.Dependencies {
		if err := dep.Boundary.Validate(); err != nil {
			return fmt.Errorf("invalid manifest %s: dependency %s: %w", doc.ComponentID, dep.ComponentID, err)
		}
	}
	return nil
}
