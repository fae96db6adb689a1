// Package collector implements the SVI batch collection pipeline: term
// construction, batching, provider queries with retry, and per-batch delivery
// to the ingestion endpoint.
package collector
