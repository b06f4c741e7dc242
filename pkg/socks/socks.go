// Package socks is the home of the SOCKS5 proxy server. It declares no
// types or functions: no SOCKS5 server is implemented here.
package socks

// TODO: Implement SOCKS5 protocol handler (RFC 1928)
// TODO: Implement connection routing through Tor circuits
// TODO: Implement DNS resolution over Tor
// TODO: Implement stream isolation
// TODO: Implement .onion address mapping
