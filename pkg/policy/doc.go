// Package policy provides Open Policy Agent (OPA) admission policies for
// patches.
//
// An Engine compiles Rego modules and evaluates their deny sets against each
// candidate patch. It implements engine.PatchValidator, so a patch denied
// with severity error or critical is treated as structurally invalid by the
// patch manager and never runs. Warnings and info findings are logged only.
//
// # Writing policies
//
// A policy is a Rego module defining a deny set. Elements are either a
// message string or an object with message and severity:
//
//	# Billing patches need a description.
//	# severity: error
//	package patchwork.policies.billing
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.patch.component_id == "Billing"
//	    input.patch.description == ""
//	    msg := sprintf("%s has no description", [input.patch.version])
//	}
//
// The input document holds the patch under input.patch (component_id,
// version, type, boundary, dependencies, release_date and precomputed
// version checks such as target_in_boundary) and evaluation context under
// input.context.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, true)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	manager, err := engine.NewPatchManager(engine.ManagerConfig{
//	    Validator: eng,
//	    // ...
//	})
package policy
