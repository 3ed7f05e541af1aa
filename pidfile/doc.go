// Package pidfile implements the lock-guarded scratch file used to hand a
// child's real process id back to a parent that cannot learn it
// synchronously. The file is created empty before the spawn, written exactly
// once by the process that knows the pid, and read-and-deleted by the
// waiting side under a bounded poll.
package pidfile
