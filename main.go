package main

import "github.com/carevue/teleconsult/cmd"

func main() {
	cmd.Execute()
}
