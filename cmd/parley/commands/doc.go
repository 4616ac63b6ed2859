// Package commands implements the parley CLI.
//
// Every command loads the YAML config from --home (or --config), applies
// flag overrides, unlocks the identity with --passphrase or
// PARLEY_PASSPHRASE and runs against the services built by app.NewWire.
//
//	parley init -p ...                 create identity and prekey pool
//	parley publish                     publish prekey bundles to the relay
//	parley prekeys status|maintain     inspect, replenish and rotate prekeys
//	parley send <peer> <message>       pairwise message, handshake on demand
//	parley recv [-f]                   fetch and decrypt queued messages
//	parley sessions list|start|reset|cleanup
//	parley group create|add|remove|rotate|send|leave|list|members
package commands
