// Package xenvmlog wraps zerolog with the daemon's conventions:
// a package-level Logger initialised once at startup, JSON or console
// output depending on deployment, and component-scoped child loggers
// (WithComponent, WithHost) so every line carries enough context to
// tell the ring, journal, allocator and dispatch layers apart without
// grepping.
package xenvmlog
