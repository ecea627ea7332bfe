// Package device fans messages out across a peer's device fleet and routes
// inbound envelopes to the right session, bootstrapping sessions from
// handshake echoes on first contact.
//
// Per-device failures never abort a fan-out: the device is logged and
// omitted so one stale bundle cannot block the rest of the fleet.
package device
