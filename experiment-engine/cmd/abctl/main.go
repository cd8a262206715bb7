package main

import "github.com/fieldtofork/platform/experiment-engine/internal/cli"

func main() {
	cli.Execute()
}
