package main

import (
	"github.com/assesslabs/workspace-cloud/internal/cli"
)

func main() {
	cli.Execute()
}
