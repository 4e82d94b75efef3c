package engine

import (
	"sort"
)

// ComponentDescriptor is the engine's view of one component's installation
// state during a run.
type ComponentDescriptor struct {
	// ComponentID identifies the component.
	ComponentID string `json:"componentId"`

	// Version is the successfully installed version. Nil until an
	// after-phase action succeeded.
	Version *Version `json:"version,omitempty"`

	// FaultyBeforeVersion is the patch version whose before-phase failed.
	FaultyBeforeVersion *Version `json:"faultyBeforeVersion,omitempty"`

	// FaultyAfterVersion is the patch version whose after-phase is pending
	// or failed.
	FaultyAfterVersion *Version `json:"faultyAfterVersion,omitempty"`

	// Description is taken from the latest package of the component.
	Description string `json:"description,omitempty"`

	// Dependencies are the dependencies of the latest package.
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// ComponentInfo is one component row as listed by the package store.
type ComponentInfo struct {
	// ComponentID identifies the component.
	ComponentID string `json:"componentId"`

	// Version is the version recorded by the package.
	Version *Version `json:"version"`

	// ExecutionResult is the result recorded by the package.
	ExecutionResult ExecutionResult `json:"executionResult"`

	// Description is the description of the package.
	Description string `json:"description,omitempty"`

	// Dependencies are the dependencies recorded in the package manifest.
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// CreateComponents merges the store's installed and incomplete listings
// into descriptors, ordered by component id. Installed rows set Version;
// incomplete rows set FaultyBeforeVersion or FaultyAfterVersion according
// to their result.
func CreateComponents(installed, incomplete []ComponentInfo) []*ComponentDescriptor {
	byID := make(map[string]*ComponentDescriptor)
	get := func(id string) *ComponentDescriptor {
		d, ok := byID[id]
		if !ok {
			d = &ComponentDescriptor{ComponentID: id}
			byID[id] = d
		}
		return d
	}

	for _, info := range installed {
		d := get(info.ComponentID)
		if CompareVersions(info.Version, d.Version) >= 0 {
			d.Version = cloneVersion(info.Version)
			d.Description = info.Description
			d.Dependencies = info.Dependencies
		}
	}

	for _, info := range incomplete {
		d := get(info.ComponentID)
		// Anything at or below the installed version is history.
		if d.Version != nil && CompareVersions(info.Version, d.Version) <= 0 {
			continue
		}
		switch {
		case info.ExecutionResult.MarksFaultyBefore():
			if CompareVersions(info.Version, d.FaultyBeforeVersion) > 0 {
				d.FaultyBeforeVersion = cloneVersion(info.Version)
			}
		case info.ExecutionResult.MarksFaultyAfter():
			if CompareVersions(info.Version, d.FaultyAfterVersion) > 0 {
				d.FaultyAfterVersion = cloneVersion(info.Version)
			}
		default:
			continue
		}
		if d.Description == "" {
			d.Description = info.Description
		}
	}

	out := make([]*ComponentDescriptor, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

// findComponent returns the descriptor for id, or nil.
func findComponent(components []*ComponentDescriptor, id string) *ComponentDescriptor {
	for _, c := range components {
		if c.ComponentID == id {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (c *ComponentDescriptor) Clone() *ComponentDescriptor {
	deps := make([]Dependency, len(c.Dependencies))
	for i, d := range c.Dependencies {
		deps[i] = Dependency{ComponentID: d.ComponentID, Boundary: d.Boundary.clone()}
	}
	return &ComponentDescriptor{
		ComponentID:         c.ComponentID,
		Version:             cloneVersion(c.Version),
		FaultyBeforeVersion: cloneVersion(c.FaultyBeforeVersion),
		FaultyAfterVersion:  cloneVersion(c.FaultyAfterVersion),
		Description:         c.Description,
		Dependencies:        deps,
	}
}
