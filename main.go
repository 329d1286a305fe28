package main

import "github.com/mcastellin/taskmesh/cmd"

func main() {
	cmd.Execute()
}
