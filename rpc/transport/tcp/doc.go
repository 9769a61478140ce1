// Package tcp plugs TCP sockets into the framed transport of package base.
// It is the default transport between members of the placement center.
// Socket and TCP options (no delay, keep alive, linger, buffer sizes) are taken
// from the client and server configs.
package tcp
