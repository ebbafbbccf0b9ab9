package main

import (
	"context"

	"stockwatcher/cmd/stockwatcher/commands"
)

func main() {
	commands.ExecuteContext(context.Background())
}
