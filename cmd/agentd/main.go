package main

import "github.com/agenix-sh/agenix/services/agent/cli"

func main() {
	cli.Execute()
}
