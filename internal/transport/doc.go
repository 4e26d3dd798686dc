// Package transport converts transport-specific wire encodings into generic
// duplex byte streams. Every adapter yields a net.Listener whose Accept
// returns one deframed, decoded client stream per tunneled connection; the
// dispatcher relays those streams without knowing which wire carried them.
package transport
