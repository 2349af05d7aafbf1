// Package domain defines the core types, error taxonomy, and collaborator ports
// for the Lumina photo generation core.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Adapters (identity, object store, generation, credential
// issuing) implement the interfaces defined here, and the pipeline depends only on
// these ports. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
