package main

import "github.com/rand/mech/internal/cmd"

func main() {
	cmd.Execute()
}
