// Package config loads the patchwork configuration and the component
// definitions the patch manager runs.
//
// # Application configuration
//
// AppConfig is read by Load from a YAML file (patchwork.yaml by default) with
// viper. Every key can be overridden from the environment with the
// PATCHWORK_ prefix and underscores for dots:
//
//	PATCHWORK_ENGINE_BEFORE_FAULTY_AFTER_RULE=version_aware
//	PATCHWORK_ACTIONS_DEFAULT_TIMEOUT=30s
//
// Relative paths in the file are resolved against the file's directory.
//
// # Component definitions
//
// A Loader reads component definitions from CUE, YAML and JSON files. Each
// file declares components under a top-level "components" field:
//
//	components: Billing: {
//		description: "Billing service"
//		patches: [
//			{type: "install", version: "1.0", releaseDate: "2024-01-10"},
//			{
//				type:    "patch"
//				version: "1.1"
//				from: {min: "1.0", max: "1.1"}
//				dependencies: [{id: "Core", min: "1.0"}]
//				after: {kind: "starlark", file: "migrate_1_1.star"}
//			},
//		]
//	}
//
// Definitions are checked against struct tags (validator), the #Component
// CUE schema and rules neither can express, such as an upgrade needing a
// from range. Problems are collected in DefinitionSet.Errors with their file
// and line instead of failing the whole load.
//
// A Watcher reloads the definitions whenever a file below the configured
// paths changes.
package config
