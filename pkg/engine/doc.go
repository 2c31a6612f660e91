/*
Package engine wraps the container engine's HTTP-over-Unix-socket API in a
typed client with bounded retry.

Failures are classified into three kinds: transient (network errors, read
timeouts, engine 5xx) which are retried with exponential backoff, permanent
(engine 4xx other than 404) which surface immediately, and not-found which
callers of Inspect and Remove treat as success. After the retry budget is
exhausted one final unprotected attempt is made and its error propagates.
*/
package engine
