// Package metrics defines the Prometheus collectors for the engine and the
// development relay. Collectors are registered on an injected Registerer so
// tests and embedders control exposure.
package metrics
