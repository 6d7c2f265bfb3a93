package main

import "github.com/nextlevelbuilder/dingclaw/cmd"

func main() {
	cmd.Execute()
}
