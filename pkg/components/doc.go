// Package components turns loaded component definitions into
// engine.Component values and keeps them in an ordered registry the patch
// manager reads its candidates from.
package components
