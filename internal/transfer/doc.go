// Package transfer is the shared HTTP layer for downloads and uploads.
//
// The Orchestrator owns the http.Client, the token source, a resizable pool
// of download slots with a per-slot bandwidth cap, and the retry envelope
// every relay request goes through. Relay wraps the relay's HTTP endpoints
// on top of it.
package transfer
