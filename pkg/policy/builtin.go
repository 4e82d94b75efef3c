package policy

// BuiltinPolicies returns the admission policies shipped with patchwork.
func BuiltinPolicies() []Policy {
	return []Policy{
		upgradeTargetPolicy(),
		nullVersionPolicy(),
		installerBoundaryPolicy(),
		dependencyPolicy(),
		releaseDatePolicy(),
	}
}

// upgradeTargetPolicy rejects upgrades that can never apply.
func upgradeTargetPolicy() Policy {
	return Policy{
		Name:        "upgrade-target",
		Description: "Upgrade patches must target a version above their from range minimum",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package patchwork.policies.upgrade_target

import rego.v1

deny contains violation if {
	input.patch.type == "patch"
	input.patch.target_not_above_min
	violation := {
		"message": sprintf("target version %s is not above the from range minimum %s", [input.patch.version, input.patch.boundary.min]),
		"severity": "error",
	}
}

deny contains violation if {
	input.patch.type == "patch"
	input.patch.target_in_boundary
	input.patch.boundary.max
	violation := {
		"message": sprintf("from range includes the target version %s", [input.patch.version]),
		"severity": "warning",
	}
}
`,
	}
}

// nullVersionPolicy rejects patches targeting the 0.0 sentinel.
func nullVersionPolicy() Policy {
	return Policy{
		Name:        "null-version",
		Description: "Patches cannot target version 0.0, which marks an unfinished install",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package patchwork.policies.null_version

import rego.v1

deny contains msg if {
	input.patch.version_is_null
	msg := sprintf("%s cannot target version %s", [input.patch.component_id, input.patch.version])
}
`,
	}
}

// installerBoundaryPolicy warns about from ranges on installers, which are ignored.
func installerBoundaryPolicy() Policy {
	return Policy{
		Name:        "installer-boundary",
		Description: "Installers do not take a from range",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package patchwork.policies.installer_boundary

import rego.v1

deny contains violation if {
	input.patch.type == "install"
	not input.patch.boundary.empty
	violation := {
		"message": "installer declares a from range, which is ignored",
		"severity": "warning",
	}
}
`,
	}
}

// dependencyPolicy rejects malformed dependency entries.
func dependencyPolicy() Policy {
	return Policy{
		Name:        "dependencies",
		Description: "Dependencies must name a component and a version range",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package patchwork.policies.dependencies

import rego.v1

deny contains violation if {
	some dep in input.patch.dependencies
	dep.component_id == ""
	violation := {
		"message": "dependency without component id",
		"severity": "error",
	}
}

deny contains violation if {
	some dep in input.patch.dependencies
	dep.component_id != ""
	dep.boundary.empty
	violation := {
		"message": sprintf("dependency on %s has no version range", [dep.component_id]),
		"severity": "warning",
	}
}
`,
	}
}

// releaseDatePolicy warns about patches released in the future.
func releaseDatePolicy() Policy {
	return Policy{
		Name:        "release-date",
		Description: "Release dates should not lie in the future",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package patchwork.policies.release_date

import rego.v1

deny contains violation if {
	input.patch.release_date
	released := time.parse_ns("2006-01-02", input.patch.release_date)
	now := time.parse_rfc3339_ns(input.context.timestamp)
	released > now
	violation := {
		"message": sprintf("release date %s is in the future", [input.patch.release_date]),
		"severity": "warning",
	}
}
`,
	}
}
