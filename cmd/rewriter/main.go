// Command rewriter rewrites the last turn of a dialogue into a
// self-contained query with a pointer-generator model and beam search.
//
// Usage:
//
//	rewriter init-model --vocab vocab.txt --hidden 64 --out model.gguf
//	rewriter inspect model.gguf
//	rewriter rewrite --model model.gguf "where is the station" "how far is it"
//	rewriter batch --model model.gguf --in dialogues.jsonl --out results.arrow
package main

import (
	"os"

	"github.com/23skdu/longbow-rewrite/cmd/rewriter/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
