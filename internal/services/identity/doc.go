// Package identity manages creation, sealing and unlocking of the local identity.
//
// It enforces passphrase policy, generates the identity and its prekey pool,
// and persists the long-term keys via the domain.IdentityStore.
package identity
