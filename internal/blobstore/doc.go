// Package blobstore defines the conditional-GET contract the template cache
// fetches artifacts through, together with the adapters that implement it
// (in-memory, HTTP, Redis) and a registry that opens one by URL scheme.
//
// Adapters interpret their backend's status codes themselves and hand back a
// Result; callers never inspect transport errors to tell a 304 or a 404 apart.
package blobstore
