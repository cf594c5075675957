// Command ajbusctl is the CLI client for ajbusd, the AllJoyn-compatible
// router daemon, talking to its admin HTTP API.
package main

import "github.com/go-alljoyn/ajrouter/cmd/ajbusctl/commands"

func main() {
	commands.Execute()
}
