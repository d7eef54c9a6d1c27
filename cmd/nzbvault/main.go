package main

import "github.com/javi11/nzbvault/cmd/nzbvault/cmd"

func main() {
	cmd.Execute()
}
