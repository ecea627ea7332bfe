// Package app wires application dependencies for the CLI.
//
// It parses the TOML configuration, builds the concrete stores, directory
// client and high-level services from it, and exposes them via the Wire
// struct for commands to use.
package app
