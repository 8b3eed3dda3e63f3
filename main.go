package main

import "github.com/mist8kengas/ai-chat-bot/cmd"

func main() {
	cmd.Execute()
}
