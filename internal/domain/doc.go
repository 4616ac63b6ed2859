// Package domain defines core data models and interfaces shared across the app.
// It contains plain types (keys, identifiers, bundles, envelopes) and the
// contracts of external collaborators (stores, directory, transport) only.
// Stores deal in opaque serialized records so this package stays free of
// protocol state types.
package domain
