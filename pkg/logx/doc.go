// Package logx wraps zerolog for the replica daemon.
//
//   - Console output is human readable (short timestamp + short caller).
//   - File and syslog output is structured.
//   - A Service swaps level and sink at runtime; Loggers derived from it follow.
package logx
