package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weave/internal/toy"
)

func toyCmd() *cli.Command {
	return &cli.Command{
		Name:      "toy",
		Usage:     "Write tiny random-weight model repositories for smoke tests",
		ArgsUsage: "<dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return cli.Exit("error: output directory is required", 1)
			}
			if err := toy.WriteRepo(dir, toy.Tiny()); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("wrote %s, %s and %s under %s\n", toy.BaseRepo, toy.XLoraRepo, toy.VisionRepo, dir)
			return nil
		},
	}
}
