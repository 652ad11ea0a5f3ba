package main

import "github.com/nextlevelbuilder/msgmux/cmd"

func main() {
	cmd.Execute()
}
