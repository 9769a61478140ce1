package main

import "github.com/ValentinKolb/placement/cmd"

func main() {
	cmd.Execute()
}
