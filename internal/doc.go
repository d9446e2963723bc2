// Package internal holds identifier generation shared by the engine.
//
// # Sub-packages
//
//   - rate: fixed-window admission executed as one Redis script
//   - limiters: failed-attempt counter used around credential checks
package internal
