package main

import "github.com/nextlevelbuilder/copaw/cmd"

func main() {
	cmd.Execute()
}
