package main

import "github.com/ValentinKolb/rTable/cmd"

func main() {
	cmd.Execute()
}
