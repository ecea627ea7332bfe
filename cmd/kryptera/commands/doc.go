// Package commands defines the kryptera CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init           Create the local identity and encrypted store
//   - fingerprint    Print the identity fingerprint
//   - register       Provision prekeys and publish the device bundle
//   - send           Encrypt and send a message to every device of a user
//   - recv           Fetch and decrypt queued envelopes
//   - rotate         Rotate the rotating key (or report its health)
//   - sessions       List established sessions
//   - devices        List a user's published devices
//   - reset-session  Delete a session so the next message re-establishes it
//
// # Implementation
//
// The root command resolves the home directory and the TOML configuration
// (flags override file values) before any subcommand runs. Subcommands then
// build the dependency graph via app.NewWire, so each invocation unlocks the
// encrypted store with the passphrase and tears it down when done.
package commands
