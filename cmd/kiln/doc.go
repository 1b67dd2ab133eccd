// Command kiln is the client CLI: it locates or spawns the kilnd
// coordinator, submits build/deploy/monitor/install requests over its
// local HTTP endpoint, and streams progress over WebSockets.
package main
