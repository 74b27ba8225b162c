package main

import "github.com/PBaumfalk/AI-Lawyer-sub005/services/worker/cli"

func main() {
	cli.Execute()
}
