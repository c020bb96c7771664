package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-rewrite/internal/arrowio"
	"github.com/23skdu/longbow-rewrite/internal/logger"
	"github.com/23skdu/longbow-rewrite/internal/rewrite"
)

func (a *app) batchCommand() *cobra.Command {
	var in, out string
	c := &cobra.Command{
		Use:   "batch",
		Short: "Rewrite every dialogue of a JSON lines file",
		Long: `Batch reads one {"id": ..., "turns": [...]} object per line, rewrites all
of them and writes the results as an Arrow IPC stream. With --flight the
rows are also uploaded to an Arrow Flight collector.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reqs, err := readRequests(in)
			if err != nil {
				return err
			}

			svc, cleanup, err := a.service()
			if err != nil {
				return err
			}
			defer cleanup()

			start := time.Now()
			resp, err := svc.Rewrite(ctx, reqs)
			if err != nil {
				return err
			}

			rows := make([]arrowio.Row, len(resp))
			truncated := 0
			for i, r := range resp {
				rows[i] = r.Row()
				if r.Truncated {
					truncated++
				}
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := arrowio.WriteIPC(f, rows); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			logger.Log.Info("Batch finished",
				"dialogues", len(reqs),
				"truncated", truncated,
				"out", out,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
	}
	c.Flags().StringVar(&in, "in", "", "input JSON lines file")
	c.Flags().StringVar(&out, "out", "results.arrow", "output Arrow IPC file")
	c.Flags().String("flight", "", "Arrow Flight collector address")
	_ = c.MarkFlagRequired("in")
	a.bind(c.Flags(), "flight_addr", "flight")
	return c
}

func readRequests(path string) ([]rewrite.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var reqs []rewrite.Request
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var req rewrite.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if req.ID == "" {
			req.ID = fmt.Sprintf("line-%d", line)
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}
