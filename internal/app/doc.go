// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the convergence run lifecycle: probes,
// the artifact pre-pass, reconciliation and dispatch, decoupled from the
// CLI entrypoint.
package app
