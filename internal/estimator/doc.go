// Package estimator defines the core types, collaborator interfaces, and
// error taxonomy shared by the page analyzer, transform pool, result cache,
// request orchestrator, and progressive client.
package estimator
