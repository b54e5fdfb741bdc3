// Package backup proves that stored objects can actually be recovered.
//
// The verifier sweeps tracked objects, confirms availability and size
// against the object store, and recomputes health states. The driller
// goes further: it stores a synthetic object, simulates loss by
// unpinning it everywhere, and checks the content survives, cleaning up
// its test artifacts on every path.
package backup
