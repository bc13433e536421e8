package main

import "github.com/ariaengine/aria/cmd"

func main() {
	cmd.Execute()
}
