/*
Package controlplane implements the operator IPC as sentinel files under
the runtime directory.

Three zero-length files encode intent: drain (stop spawning, keep existing
workers), drain-stop (drain, then exit once the owned set is empty) and
force-stop (stop spawning and kill all owned workers). The daemon reads
presence each tick; operator tools create and remove the files through the
same package. Sentinel files are auditable, race-free under POSIX atomic
create/unlink, and need no listening port.
*/
package controlplane
