package main

import "github.com/muxworks/muxd/cmd"

func main() {
	cmd.Execute()
}
