package main

import "dex-sonar/internal/cli"

func main() {
	cli.Execute()
}
