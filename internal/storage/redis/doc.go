// Package redis holds the Redis-backed pieces of receipt issuance: the
// package-hash dedupe index and the settlement gate.
package redis
