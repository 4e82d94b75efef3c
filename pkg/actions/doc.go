// Package actions builds the executable parts of patches from their
// definitions.
//
// A Factory turns a config.ActionDefinition into an engine.Action. Four kinds
// are supported:
//
//   - starlark: an in-process Starlark script
//   - exec: a local program
//   - wasm: a WASI command module run under wazero
//   - ssh: a command or uploaded shell script on a remote host
//
// Every action is bounded by its own timeout or the factory default, and
// receives the run id, component id, version, patch type and phase, either as
// Starlark globals or as PATCHWORK_* environment variables. Failures are
// reported as *ActionError, which carries the exit code and the tail of the
// action's output.
package actions
