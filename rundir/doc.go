// Package rundir resolves the runtime locations and tuning knobs the
// execution engines depend on: the run directory holding pidfiles, the
// temporary directory holding shell capture files, the platform shell path,
// the detach helper path, and the pid rendezvous poll cadence. Settings are
// loaded from built-in defaults, an optional YAML configuration file, and
// PROCRUN_-prefixed environment variables.
package rundir
