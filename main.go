package main

import "github.com/modelrelay/modelrelay/cmd"

func main() {
	cmd.Execute()
}
