package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/pkg/rwkv"
)

func runCmd() *cli.Command {
	var (
		prompt string
		steps  int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Feed a prompt through the model and print a greedy continuation",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text, evaluated byte by byte",
				Destination: &prompt,
				Required:    true,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "continuation length in tokens",
				Value:       128,
				Destination: &steps,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig())
			log := newLogger()

			if modelPath == "" {
				return cli.Exit("error: --model is required", 1)
			}

			start := time.Now()
			engine, err := rwkv.InitFromFile(modelPath, int(nThreads))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer engine.Free()
			log.Info("model loaded",
				"path", modelPath,
				"vocab", engine.LogitsElementCount(),
				"state", engine.StateElementCount(),
				"took", time.Since(start).Round(time.Millisecond),
			)
			log.Debug("system info", "flags", rwkv.SystemInfoString())

			state := make([]float32, engine.StateElementCount())
			logits := make([]float32, engine.LogitsElementCount())

			// The tiny models this CLI targets are byte-level: each
			// prompt byte is one token.
			in := []byte(prompt)
			for i, b := range in {
				var prev []float32
				if i > 0 {
					prev = state
				}
				if err := engine.Eval(int(b), prev, state, logits); err != nil {
					return cli.Exit(fmt.Sprintf("error: eval: %v", err), 1)
				}
			}

			fmt.Print(prompt)
			genStart := time.Now()
			for i := int64(0); i < steps; i++ {
				token := argmax(logits)
				os.Stdout.Write([]byte{byte(token)})
				if err := engine.Eval(token, state, state, logits); err != nil {
					return cli.Exit(fmt.Sprintf("error: eval: %v", err), 1)
				}
			}
			fmt.Println()

			elapsed := time.Since(genStart)
			log.Info("done",
				"tokens", steps,
				"took", elapsed.Round(time.Millisecond),
				"tok_per_s", fmt.Sprintf("%.1f", float64(steps)/elapsed.Seconds()),
			)
			return nil
		},
	}
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
