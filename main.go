package main

import "github.com/flowstub/flowstub/cmd"

func main() {
	cmd.Execute()
}
