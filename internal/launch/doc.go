// Package launch resolves the effective runtime network and proxy
// configuration of the service from four ordered sources (built-in defaults,
// an optional static YAML file, environment variables, CLI flags) into one
// immutable Config, with fail-fast validation before any socket is opened.
// A platform-assigned PORT is authoritative: a statically configured port
// that disagrees is a fatal conflict, never a silent pick.
package launch
