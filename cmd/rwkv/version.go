package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/version"
	"github.com/samcharles93/rwkv/pkg/rwkv"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and system information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("version:     %s\n", version.String())
			fmt.Printf("system info: %s\n", rwkv.SystemInfoString())
			return nil
		},
	}
}
