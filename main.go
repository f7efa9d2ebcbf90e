package main

import "github.com/andrewolobo/wasp-ai-bot-demo-sub000/cmd"

func main() {
	cmd.Execute()
}
