package main

import "github.com/PBaumfalk/AI-Lawyer-sub005/services/janitor/cli"

func main() {
	cli.Execute()
}
