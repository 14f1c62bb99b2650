// Package audit records and lists the sync service's audit trail.
//
// Entries cover admin mutations, name-conflict reallocations, edge-originated
// detaches and edge session transitions. Recording never fails the caller:
// Recorder logs write errors and moves on.
package audit
