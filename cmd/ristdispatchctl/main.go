// ristdispatchctl is the CLI client for the ristdispatchd daemon's HTTP
// control API.
package main

import "github.com/rist-bonding/dispatcherd/cmd/ristdispatchctl/commands"

func main() {
	commands.Execute()
}
