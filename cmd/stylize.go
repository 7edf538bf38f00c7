package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/style-transfer/internal/storage/local"
	"github.com/example/style-transfer/internal/usecase"
)

var stylizeFlags struct {
	content  string
	style    string
	styleURL string
	out      string
}

var stylizeCmd = &cobra.Command{
	Use:   "stylize",
	Short: "Stylize one image against the configured model",
	Example: `  styletransfer stylize --content photo.jpg --style painting.jpg --out result.jpg
  styletransfer stylize --content photo.jpg --style-url https://example.com/wave.jpg --out result.jpg`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		model, closeModel, err := newModel(ctx, appConfig.Model, logger)
		if err != nil {
			return err
		}
		defer closeModel() //nolint:errcheck

		store, err := local.NewStorage(appConfig.Storage.Dir)
		if err != nil {
			return err
		}
		uc := usecase.NewStyleTransferUseCase(model, store, logger, useCaseOptions(appConfig),
			usecase.WithFetcher(newFetcher(appConfig.Fetch, logger)))

		res, err := runStylize(ctx, uc, stylizeFlags.content, stylizeFlags.style, stylizeFlags.styleURL, stylizeFlags.out)
		if err != nil {
			return err
		}
		cmd.Printf("wrote %s (request %s, %s)\n", stylizeFlags.out, res.RequestID, res.Latency.Round(time.Millisecond))
		return nil
	},
}

func init() {
	stylizeCmd.Flags().StringVar(&stylizeFlags.content, "content", "", "content image path")
	stylizeCmd.Flags().StringVar(&stylizeFlags.style, "style", "", "style image path")
	stylizeCmd.Flags().StringVar(&stylizeFlags.styleURL, "style-url", "", "style image URL, used when --style is not set")
	stylizeCmd.Flags().StringVarP(&stylizeFlags.out, "out", "o", "stylized.jpg", "output JPEG path")
	_ = stylizeCmd.MarkFlagRequired("content")
	stylizeCmd.MarkFlagsMutuallyExclusive("style", "style-url")
	stylizeCmd.MarkFlagsOneRequired("style", "style-url")
}

func runStylize(ctx context.Context, uc *usecase.StyleTransferUseCase, contentPath, stylePath, styleURL, outPath string) (*usecase.TransferResult, error) {
	content, err := os.ReadFile(contentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read content image: %w", err)
	}

	req := usecase.TransferRequest{ContentImage: content, StyleURL: styleURL}
	if stylePath != "" {
		if req.StyleImage, err = os.ReadFile(stylePath); err != nil {
			return nil, fmt.Errorf("failed to read style image: %w", err)
		}
	}

	res, err := uc.Transfer(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(outPath, res.Image, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}
	return res, nil
}
