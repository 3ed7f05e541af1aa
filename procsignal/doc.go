// Package procsignal delivers signals to whole process trees. It discovers
// descendants through the process table rather than process groups, so it
// reaches children that detached into their own sessions, and it can escalate
// to SIGKILL after a grace period for processes that ignore the first signal.
package procsignal
