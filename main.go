package main

import "github.com/brokerly/supportd/cli"

func main() {
	cli.Execute()
}
