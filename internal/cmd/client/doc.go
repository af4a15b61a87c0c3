// Package client provides the `courier` command-line client.
//
// The CLI talks to the Courier HTTP API to submit and inspect messages from
// a terminal. It is primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it defaults
// to http://127.0.0.1:8080 and can be overridden with COURIER_HTTP.
//
// Usage
//
//	courier message submit --originator alice --recipient +15550100 --data "hello"
//	courier message status --id 0198f2ce7b4a00000000000000000001
//	courier message list --state pending --limit 20
//	courier message watch --originator alice
//	courier stats
package client
