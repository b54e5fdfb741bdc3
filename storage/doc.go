// Package storage provides object store implementations behind the
// interfaces.ObjectStore contract.
//
// Three backends are available:
//
//   - IPFSStore connects one IPFS API endpoint per geo region; content is
//     added through the primary region and pinned per region.
//   - S3Store keeps the canonical copy under objects/<id> and models a
//     regional pin as a copy under replicas/<region>/<id>.
//   - MemoryStore backs tests, fixtures and local development.
//
// All backends address content by sha256 object id. The engine never
// cares which backend it received; region placement, health and quota
// semantics stay in the engine's own tables.
package storage
