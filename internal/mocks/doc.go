// Package mocks provides test doubles for the external collaborators of the
// session loop, so the orchestrator can be exercised without spawning a real
// agent process.
package mocks
