package main

import "github.com/runlok/runlok/cmd/runlok/cmd"

func main() {
	cmd.Execute()
}
