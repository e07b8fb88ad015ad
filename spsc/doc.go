// Package spsc implements a bounded, wait-free single-producer/single-
// consumer ring buffer, used to carry cross-shard command envelopes between
// reactor threads without locks.
//
// head and tail are padded to separate cache lines to avoid false sharing
// between the producer, which only ever writes tail, and the consumer,
// which only ever writes head. try_emplace/front/pop follow the same
// acquire/release pairing as github.com/rigtorp/SPSCQueue: the producer
// writes the payload, then releases tail; the consumer acquires tail before
// reading the payload, giving a happens-before edge from producer to
// consumer with no locking on either side.
package spsc
