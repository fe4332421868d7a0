// Package application provides application initialization and dependency
// wiring. It consumes the resolved launch configuration exactly once: store
// selection, handler and router construction, HTTP server setup, and the
// bind step that opens the listening socket.
package application
