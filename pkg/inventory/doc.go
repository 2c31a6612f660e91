// Package inventory provides the owned-set view of the engine's container
// list: only containers named with the agent's prefix are visible, which
// isolates the agent from foreign containers on the same daemon.
package inventory
