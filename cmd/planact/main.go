// Command planact answers questions with a plan/act/replan/validate loop. It
// can solve a single ad-hoc question, or fetch the questions of the scoring
// service, solve them concurrently and submit the answers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error: "+err.Error()))
		stop()
		os.Exit(1)
	}
}
