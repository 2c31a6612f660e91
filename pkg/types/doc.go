// Package types defines the shared data model of the Plancton agent: the
// policy configuration snapshot, host CPU samples, and the per-tick view of
// owned containers.
package types
