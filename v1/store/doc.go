// Package store defines the lock record model and the atomic document-store
// contract the protocol engine runs against: point lookup, conditional
// update with optional upsert and conditional delete, each executed as a
// single indivisible operation. In-memory, Redis and Postgres backends are
// provided.
package store
