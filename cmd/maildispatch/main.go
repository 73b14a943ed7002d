package main

import "github.com/lattiq/maildispatch/internal/cli"

func main() {
	cli.Execute()
}
