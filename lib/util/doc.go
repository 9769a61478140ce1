// Package util provides small helpers shared by the command line and the
// server, mainly the mapping of node names to numeric node ids.
package util
