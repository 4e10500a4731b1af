package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/pkg/rwkv"
)

func quantizeCmd() *cli.Command {
	var (
		inputPath  string
		outputPath string
		targetType string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Rewrite a float model file into a quantized one",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "source model file (f32 or f16)",
				Destination: &inputPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "destination model file",
				Destination: &outputPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "type",
				Usage:       "target data type (Q4_0, Q4_1, Q5_0, Q5_1, Q8_0)",
				Value:       "Q5_1",
				Destination: &targetType,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := rwkv.QuantizeModelFile(inputPath, outputPath, targetType); err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}
			return nil
		},
	}
}
