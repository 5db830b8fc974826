package main

import "github.com/synthlab/chatgate/cmd"

func main() {
	cmd.Execute()
}
