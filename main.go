package main

import "github.com/arcward/jbot/cmd"

func main() {
	cmd.Execute()
}
