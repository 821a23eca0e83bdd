// Package tlscert provisions and loads the key pair used when server.use_ssl
// is set. Generation happens once from `flowlink certs`; the gateway only
// loads what is already on disk.
package tlscert
