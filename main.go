package main

import "github.com/iuriikogan/rlm-sandbox/internal/cmd"

func main() {
	cmd.Execute()
}
