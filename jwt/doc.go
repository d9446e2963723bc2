// Package jwt issues and verifies signed session handles: short tokens that
// name a server-side session so websocket and HTTP clients can present it.
package jwt
