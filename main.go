package main

import "github.com/kebairia/borgmon/cmd"

func main() {
	cmd.Execute()
}
