package main

import "github.com/jvs-project/trail/internal/cli"

func main() {
	cli.Execute()
}
