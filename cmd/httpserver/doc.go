// The httpserver binary serves the unified storage management API over
// an IPFS, S3 or in-memory object store.
package main
