package main

import "github.com/PBaumfalk/AI-Lawyer-sub005/services/api-gateway/cli"

func main() {
	cli.Execute()
}
