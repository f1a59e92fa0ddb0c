package main

import "github.com/codingphoenixx/simplerequest/cmd/simplerequest/cmd"

func main() {
	cmd.Execute()
}
