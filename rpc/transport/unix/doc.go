// Package unix plugs Unix domain sockets into the framed transport of package base.
// Useful when clients run on the same machine as a member and in tests, where a
// socket path inside a temp dir avoids port allocation.
package unix
