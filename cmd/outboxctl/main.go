// Command outboxctl inspects and drives the local action outbox.
package main

import "github.com/bissquit/trail-outbox/internal/cli"

func main() {
	cli.Execute()
}
