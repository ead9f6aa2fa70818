// Package sinks implements notify.Sink consumers: structured logs, webhooks,
// Kafka, Pub/Sub and Prometheus counters. Every sink tolerates repeated
// Consume calls and a final Close.
package sinks
