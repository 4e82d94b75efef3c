package engine

import (
	"fmt"
	"time"
)

// Package is the persisted form of a patch.
type Package struct {
	// ID is the store identifier of the package row.
	ID string `json:"id"`

	// ComponentID is the component the package belongs to.
	ComponentID string `json:"componentId"`

	// ComponentVersion is the version the package installs.
	ComponentVersion *Version `json:"componentVersion"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// ReleaseDate is the release date of the patch.
	ReleaseDate time.Time `json:"releaseDate"`

	// PackageType is the patch discriminant.
	PackageType PackageType `json:"packageType"`

	// ExecutionDate is when the package was executed.
	ExecutionDate time.Time `json:"executionDate"`

	// ExecutionResult is the recorded outcome.
	ExecutionResult ExecutionResult `json:"executionResult"`

	// ExecutionError is the fault message, if any.
	ExecutionError string `json:"executionError,omitempty"`

	// Manifest is the encoded manifest document.
	Manifest []byte `json:"manifest,omitempty"`
}

// ManifestDocument is the codec-neutral manifest of a package. For upgrade
// patches the first dependency on the package's own component carries the
// patch boundary.
type ManifestDocument struct {
	// ComponentID is the component the manifest describes.
	ComponentID string `json:"componentId" yaml:"componentId" validate:"required"`

	// Version is the version the package installs.
	Version *Version `json:"version" yaml:"version" validate:"required"`

	// Type is the package type.
	Type PackageType `json:"type" yaml:"type" validate:"required,oneof=install patch tool"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// ReleaseDate is the release date in ReleaseDateLayout.
	ReleaseDate string `json:"releaseDate,omitempty" yaml:"releaseDate,omitempty"`

	// Dependencies lists the required components.
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive"`
}

// ManifestCodec encodes manifest documents for persistence.
type ManifestCodec interface {
	Encode(doc *ManifestDocument) ([]byte, error)
	Decode(data []byte) (*ManifestDocument, error)
}

// NewPackage converts a patch into its persisted form. An upgrade patch's
// boundary is stored as the first dependency, on its own component.
func NewPackage(patch *Patch, codec ManifestCodec) (*Package, error) {
	doc := &ManifestDocument{
		ComponentID: patch.ComponentID,
		Version:     cloneVersion(patch.Version),
		Type:        patch.Type,
		Description: patch.Description,
	}
	if !patch.ReleaseDate.IsZero() {
		doc.ReleaseDate = patch.ReleaseDate.Format(ReleaseDateLayout)
	}

	if patch.Type == PackageTypePatch {
		doc.Dependencies = append(doc.Dependencies, Dependency{
			ComponentID: patch.ComponentID,
			Boundary:    patch.Boundary.clone(),
		})
	}
	doc.Dependencies = append(doc.Dependencies, patch.Dependencies...)

	manifest, err := codec.Encode(doc)
	if err != nil {
		return nil, NewPermanentError("failed to encode manifest", err).
			WithCode(ErrCodeManifest).
			WithResource(patch.ComponentID)
	}

	return &Package{
		ID:               patch.ID,
		ComponentID:      patch.ComponentID,
		ComponentVersion: cloneVersion(patch.Version),
		Description:      patch.Description,
		ReleaseDate:      patch.ReleaseDate,
		PackageType:      patch.Type,
		ExecutionDate:    patch.ExecutionDate,
		ExecutionResult:  patch.ExecutionResult,
		ExecutionError:   patch.ExecutionError,
		Manifest:         manifest,
	}, nil
}

// PatchFromPackage converts a persisted package back into a patch. Tool
// packages yield nil without error. Actions are not persisted.
func PatchFromPackage(pkg *Package, codec ManifestCodec) (*Patch, error) {
	switch pkg.PackageType {
	case PackageTypeTool:
		return nil, nil
	case PackageTypeInstall, PackageTypePatch:
	default:
		return nil, NewPermanentError(fmt.Sprintf("unknown package type %q", pkg.PackageType), nil).
			WithCode(ErrCodeManifest).
			WithResource(pkg.ComponentID)
	}

	var deps []Dependency
	if len(pkg.Manifest) > 0 {
		doc, err := codec.Decode(pkg.Manifest)
		if err != nil {
			return nil, NewPermanentError("failed to decode manifest", err).
				WithCode(ErrCodeManifest).
				WithResource(pkg.ComponentID)
		}
		deps = doc.Dependencies
	}

	patch := &Patch{
		ID:              pkg.ID,
		ComponentID:     pkg.ComponentID,
		Version:         cloneVersion(pkg.ComponentVersion),
		Type:            pkg.PackageType,
		Description:     pkg.Description,
		ReleaseDate:     pkg.ReleaseDate,
		ExecutionDate:   pkg.ExecutionDate,
		ExecutionResult: pkg.ExecutionResult,
		ExecutionError:  pkg.ExecutionError,
	}

	if pkg.PackageType == PackageTypePatch {
		self := -1
		for i, d := range deps {
			if d.ComponentID == pkg.ComponentID {
				self = i
				break
			}
		}
		if self < 0 {
			return nil, NewPermanentError("upgrade package has no version boundary", nil).
				WithCode(ErrCodeManifest).
				WithResource(pkg.ComponentID)
		}
		patch.Boundary = deps[self].Boundary
		deps = append(append([]Dependency{}, deps[:self]...), deps[self+1:]...)
	}

	if len(deps) > 0 {
		patch.Dependencies = deps
	}
	return patch, nil
}
