package main

import "github.com/chat-warden/chatwarden/cmd/chatwarden/cmd"

func main() {
	cmd.Execute()
}
