package main

import "github.com/usersvc/apiserver/cmd"

func main() {
	cmd.Execute()
}
