package main

import "github.com/nextlevelbuilder/keeper/cmd"

func main() {
	cmd.Execute()
}
