package stores

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/patchwork/pkg/engine"
)

var incompleteResults = []engine.ExecutionResult{
	engine.ExecutionResultUnfinished,
	engine.ExecutionResultFaulty,
	engine.ExecutionResultSuccessfulBefore,
	engine.ExecutionResultFaultyBefore,
}

func checkPackage(pkg *engine.Package) error {
	if pkg == nil {
		return fmt.Errorf("package is nil")
	}
	if pkg.ComponentID == "" {
		return fmt.Errorf("package component id is required")
	}
	if pkg.ComponentVersion == nil {
		return fmt.Errorf("package %s: version is required", pkg.ComponentID)
	}
	switch pkg.PackageType {
	case engine.PackageTypeInstall, engine.PackageTypePatch, engine.PackageTypeTool:
	default:
		return fmt.Errorf("package %s: invalid package type %q", pkg.ComponentID, pkg.PackageType)
	}
	return pkg.ExecutionResult.Validate()
}

// componentInfos converts package rows into component listings. Tool
// packages are skipped. Dependencies are read from the manifest when a
// codec is available.
func componentInfos(packages []*engine.Package, codec engine.ManifestCodec) ([]engine.ComponentInfo, error) {
	infos := make([]engine.ComponentInfo, 0, len(packages))
	for _, pkg := range packages {
		if pkg.PackageType == engine.PackageTypeTool {
			continue
		}

		info := engine.ComponentInfo{
			ComponentID:     pkg.ComponentID,
			Version:         pkg.ComponentVersion,
			ExecutionResult: pkg.ExecutionResult,
			Description:     pkg.Description,
		}

		if codec != nil && len(pkg.Manifest) > 0 {
			patch, err := engine.PatchFromPackage(pkg, codec)
			if err != nil {
				return nil, fmt.Errorf("failed to read package %s: %w", pkg.ID, err)
			}
			info.Dependencies = patch.Dependencies
		}

		infos = append(infos, info)
	}
	return infos, nil
}

// sortPackages orders packages by component id, then version, then type.
func sortPackages(packages []*engine.Package) {
	sort.SliceStable(packages, func(i, j int) bool {
		a, b := packages[i], packages[j]
		if a.ComponentID != b.ComponentID {
			return a.ComponentID < b.ComponentID
		}
		if c := engine.CompareVersions(a.ComponentVersion, b.ComponentVersion); c != 0 {
			return c < 0
		}
		return a.PackageType < b.PackageType
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func prepareRun(run *Run) {
	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Mode == "" {
		run.Mode = RunModeReal
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
}
