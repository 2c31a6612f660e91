/*
Package config holds the agent's policy record and re-reads it on a
schedule.

The document is a flat YAML mapping; unknown keys are ignored and missing
keys take the documented defaults. A reload never aborts the daemon: parse
failures keep the previous snapshot and invariant violations keep the
previous field value, except grace windows longer than max_ttl_s, which
are clamped to it. The max_docks key may be given as a restricted
arithmetic expression over ncpus, evaluated once at load time.
*/
package config
