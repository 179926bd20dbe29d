package main

import "github.com/loopwire/conductor/cmd"

func main() {
	cmd.Execute()
}
