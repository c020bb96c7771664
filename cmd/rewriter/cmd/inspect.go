package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-rewrite/internal/gguf"
	"github.com/23skdu/longbow-rewrite/internal/pointer"
)

func (a *app) inspectCommand() *cobra.Command {
	var stats bool
	c := &cobra.Command{
		Use:   "inspect <model.gguf>",
		Short: "Print the metadata and tensor layout of a model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := gguf.LoadFile(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			an := gguf.NewMetadataAnalyzer(f)
			report, err := an.Analyze()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprint(out, report.String())

			for _, issue := range an.ValidateTensors() {
				_, _ = fmt.Fprintf(out, "issue: %s\n", issue)
			}
			for _, name := range an.FindMissingTensors([]string{
				pointer.TensorEmbedding, pointer.TensorSegment, pointer.TensorEDense,
				pointer.TensorMDense, pointer.TensorGateW, pointer.TensorGateB,
			}) {
				_, _ = fmt.Fprintf(out, "missing: %s\n", name)
			}

			if !stats {
				return nil
			}
			for _, t := range f.Tensors {
				s, err := an.ComputeStats(t.Name)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%-28s %-4s %v min=%.4f max=%.4f mean=%.4f nan=%v inf=%v\n",
					s.Name, s.Type, s.Dimensions, s.MinValue, s.MaxValue, s.MeanValue, s.HasNaN, s.HasInf)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&stats, "stats", false, "print per-tensor value statistics")
	return c
}
