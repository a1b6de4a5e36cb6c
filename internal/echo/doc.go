// Package echo is the orchestrator process: it brings the identity up,
// keeps it refreshed in the background, and runs exactly one messaging mode.
package echo
