// Package logx is medbot's structured logging layer on zerolog.
//
// Console output is human readable with a short caller. The optional log
// file receives JSON lines. Loggers derived from a Service follow its level
// and sinks across Apply calls, so a config reload needs no re-plumbing.
package logx
