// Package rotation schedules the device's rotating key: a time-boxed X25519
// pair whose public half peers seal blobs to. Exactly one key is active;
// superseded keys are retained so a backlog sealed under them stays
// decryptable until pruned.
//
// A rotation publishes the successor's public half to the directory before
// committing it locally, so a failed publish leaves both sides on the
// previous key and the scheduler simply retries at the next tick.
package rotation
