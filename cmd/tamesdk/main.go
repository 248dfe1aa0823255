package main

import "github.com/runlok/runlok/cmd/tamesdk/cmd"

func main() {
	cmd.Execute()
}
