package main

import "arbengine/internal/interfaces/cli"

func main() {
	cli.Execute()
}
