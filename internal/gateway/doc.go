// Package gateway defines the task, queue, and store types shared by the
// edge gateway subsystems, along with the ports each subsystem implements and
// the error taxonomy rendered to API callers.
package gateway
