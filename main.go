package main

import "github.com/nextlevelbuilder/agenthost/cmd"

func main() {
	cmd.Execute()
}
