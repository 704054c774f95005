// Command dtqueue serves named queues of datetime-ordered items over HTTP
// and, optionally, gRPC.
//
// Items are kept ordered by a primary timestamp and an optional secondary
// timestamp. GET returns the head of a queue, DELETE removes and returns it,
// PUT inserts or replaces an item.
//
// Install:
//
//	go install github.com/nuetzliches/dtqueue/cmd/dtqueue@latest
//
// Usage:
//
//	dtqueue run --config ./config.toml
//	dtqueue config validate --config ./config.toml --strict-secrets
//	dtqueue config diff ./old.toml ./new.toml
package main
