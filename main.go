package main

import "github.com/sellclaw/sellclaw/cmd"

func main() {
	cmd.Execute()
}
