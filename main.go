package main

import (
	"race-agents/internal/cli"
)

func main() {
	cli.Execute()
}
