// Package rate implements the fixed-window admission counter that throttles
// the engine's public entry points.
package rate
