package main

import "github.com/agenix-sh/agenix/services/queued/cli"

func main() {
	cli.Execute()
}
