// Package http implements the HTTP/1.1 message syntax: start lines, header
// fields and their wire encoding. Body framing lives in package transfer.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
package http
