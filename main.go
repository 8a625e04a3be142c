package main

import "github.com/theirongolddev/mergemeter/cmd"

func main() {
	cmd.Execute()
}
