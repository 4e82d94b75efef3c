// Package manifest encodes package manifests for the package store.
//
// A manifest records everything about a patch that is not a column of the
// packages table: its dependencies and, for upgrade patches, the version
// boundary of the component it upgrades. The boundary is stored as the first
// dependency, on the patch's own component.
//
// Two encodings are provided:
//
//	codec := manifest.NewYAMLCodec()
//	data, err := codec.Encode(doc)
//
//	codec := manifest.NewJSONCodec()
//	doc, err := codec.Decode(data)
//
// Every document is validated with struct tags and the built-in #Manifest
// CUE schema when encoded and when decoded. Additional schemas can be
// registered on a SchemaRegistry and shared between codecs with
// WithSchemaRegistry.
package manifest
