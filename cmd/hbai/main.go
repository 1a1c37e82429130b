// Command hbai is the entry point for the handbook assistant.
// It answers questions about a member handbook PDF using retrieval-augmented
// generation, via an interactive chat or one-shot questions.
package main

import (
	"fmt"
	"os"

	"github.com/s4mc0/hbai-go/cmd/hbai/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
