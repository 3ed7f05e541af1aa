// Package streams builds the descriptor plumbing shared by the execution
// engines: non-blocking pipe pairs for the standard streams, an auxiliary
// status pipe carrying exec-failure reports, redirection specifications
// compiled into child descriptor tables, and the binary codec used to frame
// exec-status messages across a pipe.
package streams
