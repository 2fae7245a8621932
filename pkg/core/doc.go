// Package core defines the shared language of the vlayer system.
//
// This package contains:
//   - Column specifications and SQLite type affinity rules
//   - The error kinds surfaced by the virtual table adapter
//   - Adapter configuration and metadata types
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
