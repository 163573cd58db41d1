package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"

	"dreambooth-backend/cmd"
	"dreambooth-backend/internal/config"
	"dreambooth-backend/internal/dataset"
	"dreambooth-backend/internal/storage"

	"github.com/spf13/cobra"
)

var (
	envFile string
	rootDir string
)

var rootCmd = &cobra.Command{
	Use:          "dreambooth-index",
	Short:        "Enumerate and bucket DreamBooth instance images",
	SilenceUsage: true,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if rootDir != "" {
		cfg.InstanceDataRoot = rootDir
	}
	return cfg, nil
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List matching files grouped by parent directory",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := cmd.NewLogger(cfg.Level())

		backend, err := cmd.NewBackend(c.Context(), cfg, logger)
		if err != nil {
			return err
		}

		pattern, _ := c.Flags().GetString("pattern")
		groups, err := backend.ListFiles(c.Context(), pattern, cfg.InstanceDataRoot)
		if err != nil {
			return err
		}

		out := c.OutOrStdout()
		for _, g := range groups {
			fmt.Fprintln(out, g.Dir)
			for _, f := range g.Files {
				fmt.Fprintf(out, "  %s\n", path.Base(f.Path))
			}
		}
		return nil
	},
}

func openDataset(c *cobra.Command, withTokenizer bool) (*dataset.DreamBoothDataset, storage.DataBackend, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cmd.NewLogger(cfg.Level())

	backend, err := cmd.NewBackend(c.Context(), cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	options := []dataset.Option{
		dataset.WithLogger(logger),
		dataset.WithProgress(cmd.NewProgress("measuring")),
	}
	store, closeStore, err := cmd.OpenManifestStore(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := closeStore
	if store != nil {
		options = append(options, dataset.WithManifestStore(store))
	}

	var tk dataset.Tokenizer
	if withTokenizer {
		hf, err := cmd.LoadTokenizer(cfg)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		if hf != nil {
			tk = hf
			cleanup = func() {
				_ = hf.Close()
				closeStore()
			}
		}
	}

	ds, err := dataset.New(c.Context(), backend, tk, cfg.DatasetOptions(), options...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return ds, backend, cleanup, nil
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Assign instance images to aspect ratio buckets",
	RunE: func(c *cobra.Command, args []string) error {
		ds, _, cleanup, err := openDataset(c, false)
		if err != nil {
			return err
		}
		defer cleanup()

		showIndices, _ := c.Flags().GetBool("indices")
		index := ds.Buckets()
		out := c.OutOrStdout()
		for _, b := range index.Buckets() {
			indices := index.Indices(b)
			fmt.Fprintf(out, "%-6v %d\n", b, len(indices))
			if showIndices {
				for _, i := range indices {
					p, _ := ds.Path(i)
					fmt.Fprintf(out, "  %d %s\n", i, p)
				}
			}
		}
		for _, s := range index.Skipped() {
			p, _ := ds.Path(s.Index)
			fmt.Fprintf(out, "skipped %d %s: %s\n", s.Index, p, s.Reason)
		}
		return nil
	},
}

var sampleCmd = &cobra.Command{
	Use:   "sample INDEX...",
	Short: "Load training examples by index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		indices := make([]int, 0, len(args))
		for _, arg := range args {
			i, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("invalid sample index %q: %w", arg, err)
			}
			indices = append(indices, i)
		}

		ds, backend, cleanup, err := openDataset(c, true)
		if err != nil {
			return err
		}
		defer cleanup()

		saveDir, _ := c.Flags().GetString("save")
		out := c.OutOrStdout()
		for _, i := range indices {
			example, err := ds.Get(c.Context(), i)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d %s\n  prompt: %q\n  pixels: %s\n  prompt ids: %v\n",
				example.Index, example.Path, example.Prompt, example.Pixels.Shape(), example.PromptIDs)

			if saveDir != "" {
				if err := saveExample(c.Context(), backend, saveDir, example); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

// saveExample writes the pixel tensor next to the data so it can be consumed
// without decoding the image again.
func saveExample(ctx context.Context, backend storage.DataBackend, dir string, example dataset.Example) error {
	target := path.Join(dir, fmt.Sprintf("%06d.tensor", example.Index))
	if err := backend.SaveTensor(ctx, target, example.Pixels); err != nil {
		return fmt.Errorf("failed to save example %d: %w", example.Index, err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to load env from")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "instance data root, overrides INSTANCE_DATA_ROOT")

	lsCmd.Flags().String("pattern", "*", "glob matched against file names")
	bucketsCmd.Flags().Bool("indices", false, "list image indices per bucket")
	sampleCmd.Flags().String("save", "", "directory to write pixel tensors to")

	rootCmd.AddCommand(lsCmd, bucketsCmd, sampleCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
