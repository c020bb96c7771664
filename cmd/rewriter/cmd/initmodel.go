package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-rewrite/internal/logger"
	"github.com/23skdu/longbow-rewrite/internal/modelstore"
	"github.com/23skdu/longbow-rewrite/internal/pointer"
	"github.com/23skdu/longbow-rewrite/internal/tokenizer"
)

func (a *app) initModelCommand() *cobra.Command {
	var vocabPath, out, name string
	var hidden int
	var seed uint64
	c := &cobra.Command{
		Use:   "init-model",
		Short: "Write a randomly initialized model for a vocabulary",
		Long: `init-model builds an untrained pointer-generator model for the vocabulary
file (one token per line, [PAD], [EOS], [UNK] and [SEP] required) and
writes weights and vocabulary into one GGUF file. With --name the file is
also copied into the model store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(vocabPath)
			if err != nil {
				return err
			}
			tokens, err := tokenizer.ReadVocab(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			if _, err := tokenizer.FromTokens(tokens); err != nil {
				return err
			}

			w, err := pointer.RandomWeights(len(tokens), hidden, seed)
			if err != nil {
				return err
			}
			if err := pointer.SaveWeights(out, w, tokens); err != nil {
				return err
			}
			logger.Log.Info("Model written", "out", out, "vocab", w.Vocab, "hidden", w.Hidden)

			if name == "" {
				return nil
			}
			root, err := modelstore.Dir(a.cfg.ModelsDir)
			if err != nil {
				return err
			}
			blob, err := modelstore.Register(root, name, out)
			if err != nil {
				return err
			}
			logger.Log.Info("Model registered", "name", name, "blob", blob)
			return nil
		},
	}
	c.Flags().StringVar(&vocabPath, "vocab", "", "vocabulary file, one token per line")
	c.Flags().StringVar(&out, "out", "model.gguf", "output GGUF file")
	c.Flags().IntVar(&hidden, "hidden", 64, "hidden size")
	c.Flags().Uint64Var(&seed, "init-seed", 1, "initialization seed")
	c.Flags().StringVar(&name, "name", "", "also register the model in the store as name[:tag]")
	_ = c.MarkFlagRequired("vocab")
	return c
}
