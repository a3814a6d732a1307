// Package wakebus provides a best-effort pub/sub channel used to wake
// blocked lock waiters as soon as a holder releases, instead of waiting out
// the full retry interval. Delivery is advisory: the acquisition loop always
// re-validates against the store, so a lost or duplicate wake is harmless.
// In-memory, Redis, NATS and Kafka implementations are provided.
package wakebus
