package main

import "github.com/rustyeddy/orderguard/internal/cli"

func main() {
	cli.Execute()
}
