// Package agent defines the port through which the orchestrator drives the
// external coding agent.
//
// An invocation hands the agent a prompt and a working directory and reports
// only how the process ended. The agent's work product is the filesystem, so
// nothing it prints is captured or interpreted here.
package agent
