// Package dialer implements the client-side counterpart of each transport
// adapter: every Transport turns its wire encoding back into a plain duplex
// byte stream carrying the SOCKS5 conversation with the upstream backend.
package dialer
