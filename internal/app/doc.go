// Package app wires application dependencies for the CLI.
//
// It loads Config from YAML, unlocks the identity and builds the sealed
// stores, relay client and high-level services, exposing them via the Wire
// struct for commands to use.
package app
