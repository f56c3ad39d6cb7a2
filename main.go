package main

import "github.com/skywang16/orbitx/cmd"

func main() {
	cmd.Execute()
}
