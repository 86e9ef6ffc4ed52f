// Package crawler defines the core catalog types shared across subsystems:
// sources and their lifecycle states, extracted products, the canonical
// product schema, the global tunables, and the collaborator interfaces the
// extraction pipeline is assembled from.
package crawler
