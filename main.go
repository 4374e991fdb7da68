package main

import "github.com/mozihq/mozi/cmd"

func main() {
	cmd.Execute()
}
