// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a value Logger with fixed fields via With(), and a Service
// that owns the sink configuration (console, file) and can swap it at
// runtime without invalidating loggers already handed out.
package logx
