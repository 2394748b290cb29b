/*

Lspbridge connects one or more Language Server Protocol servers to a
running acme instance.

Usage:

	lspbridge [-config file] [-rootdir dir] [-v] [-showconfig]

Lspbridge reads a TOML configuration file describing which servers to
spawn and which files each one handles (see
github.com/acme-tools/lspbridge/internal/bridgeconfig for the schema),
opens a coordination window named /LSP/commands listing every tracked
acme window and its available commands, and a diagnostics window named
/LSP/diagnostics aggregating published diagnostics from every server.

Flags:

	-config file
		Path to the configuration file. Defaults to the platform
		configuration directory.
	-rootdir dir
		Root directory passed to each server's initialize request.
		Defaults to the current directory.
	-v
		Print verbose diagnostic messages to stderr.
	-showconfig
		Print the resolved configuration and exit without starting
		any servers.

*/
package main
