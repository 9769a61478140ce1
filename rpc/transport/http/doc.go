// Package http implements the RPC transport on top of plain HTTP.
//
// Every request is a POST to <endpoint>/<serviceID> with the serialized message as body,
// the response body is the serialized answer. Endpoints are used round robin.
// Slower than the framed tcp transport but easy to reach with curl and through proxies.
package http
