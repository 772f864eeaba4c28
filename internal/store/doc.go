// Package store is the configuration store facade the application and
// CLI talk to. It ties the event log, the delta codec, the crypto layer
// and state reconstruction together behind a small typed API, and owns
// the unlock/lock lifecycle, the incremental in-memory state, and the
// staged master-password change.
package store
