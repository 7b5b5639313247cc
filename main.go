package main

import "github.com/aceteam-ai/streamworker/cmd"

func main() {
	cmd.Execute()
}
