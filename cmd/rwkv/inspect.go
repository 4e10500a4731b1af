package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/pkg/rwkvfile"
)

type tensorInfo struct {
	Key    string `json:"key"`
	Dims   uint32 `json:"dims"`
	Type   string `json:"type"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Bytes  int64  `json:"bytes"`
}

type fileInfo struct {
	Version  uint32       `json:"version"`
	NVocab   uint32       `json:"n_vocab"`
	NEmbed   uint32       `json:"n_embed"`
	NLayer   uint32       `json:"n_layer"`
	DataType string       `json:"data_type"`
	Tensors  []tensorInfo `json:"tensors"`
}

func inspectCmd() *cli.Command {
	var (
		path   string
		asJSON bool
		filter string
		limit  int64
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of an RWKV model file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to model file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "json", Usage: "emit machine-readable JSON", Destination: &asJSON},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor listing", Destination: &filter},
			&cli.Int64Flag{Name: "limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &limit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info, err := collectFileInfo(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: inspect: %v", err), 1)
			}

			if asJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("RWKV model: %s\n", path)
			fmt.Printf("version=%d n_vocab=%d n_embed=%d n_layer=%d data_type=%s\n",
				info.Version, info.NVocab, info.NEmbed, info.NLayer, info.DataType)

			var total int64
			printed := int64(0)
			for _, t := range info.Tensors {
				total += t.Bytes
				if filter != "" && !strings.Contains(t.Key, filter) {
					continue
				}
				if limit > 0 && printed >= limit {
					continue
				}
				shape := fmt.Sprintf("[%d]", t.Width)
				if t.Dims == 2 {
					shape = fmt.Sprintf("[%d %d]", t.Width, t.Height)
				}
				fmt.Printf("%-40s dtype=%-6s shape=%-14s size=%d\n", t.Key, t.Type, shape, t.Bytes)
				printed++
			}
			if limit > 0 && printed < int64(len(info.Tensors)) {
				fmt.Printf("... (%d shown of %d)\n", printed, len(info.Tensors))
			}
			fmt.Printf("tensors=%d data_bytes=%d\n", len(info.Tensors), total)
			return nil
		},
	}
}

func collectFileInfo(path string) (*fileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	header, err := rwkvfile.ReadHeader(f, false)
	if err != nil {
		return nil, err
	}

	info := &fileInfo{
		Version:  header.Version,
		NVocab:   header.NVocab,
		NEmbed:   header.NEmbed,
		NLayer:   header.NLayer,
		DataType: rwkvfile.Type(header.DataType).String(),
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	for offset < stat.Size() {
		th, err := rwkvfile.ReadTensorHeader(f)
		if err != nil {
			return nil, err
		}
		key, err := rwkvfile.ReadTensorKey(f, &th)
		if err != nil {
			return nil, err
		}
		if _, err := f.Seek(th.PayloadBytes(), io.SeekCurrent); err != nil {
			return nil, err
		}
		info.Tensors = append(info.Tensors, tensorInfo{
			Key:    key,
			Dims:   th.DimCount,
			Type:   rwkvfile.Type(th.DataType).String(),
			Width:  th.Width,
			Height: th.Height,
			Bytes:  th.PayloadBytes(),
		})
		offset, err = f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}
