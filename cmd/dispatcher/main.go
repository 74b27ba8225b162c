package main

import "github.com/PBaumfalk/AI-Lawyer-sub005/services/dispatcher/cli"

func main() {
	cli.Execute()
}
