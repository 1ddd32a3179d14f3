package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dimatch/internal/config"
	"dimatch/internal/grpcserver"
	"dimatch/internal/pipeline"
	"dimatch/internal/storage"
	"dimatch/internal/tiling"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "dimatch",
		Short: "dimatch selects, tiles and matches image pairs for 3-D reconstruction",
		Long: `dimatch chooses which image pairs to match, splits large images into
overlapping tiles, matches tile pairs with a pluggable extractor and matcher,
and writes deduplicated keypoints and matches for a reconstruction backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				return nil
			}
			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				return err
			}
			r.cfg = cfg
			return nil
		},
	}
	if r.out != nil {
		rootCmd.SetOut(r.out)
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "configuration file (default $DIMATCH_CONFIG or ~/.config/dimatch/config.json)")

	rootCmd.AddCommand(newMatchCmd(r))
	rootCmd.AddCommand(newPairsCmd(r))
	rootCmd.AddCommand(newTilesCmd(r))
	rootCmd.AddCommand(newExportCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

// runFlags are the per-run overrides shared by match and pairs.
type runFlags struct {
	pipeline    string
	strategy    string
	overlap     int
	tiling      string
	tileSize    string
	tileOverlap int
	quality     string
	output      string
	workers     int
	backend     string
	colmap      bool
	cameras     string
}

func (f *runFlags) register(fs *pflag.FlagSet, tilingFlags bool) {
	fs.StringVar(&f.pipeline, "pipeline", "", "extractor+matcher, e.g. superpoint+lightglue")
	fs.StringVar(&f.strategy, "strategy", "", "pair selection (bruteforce|sequential|matching_lowres)")
	fs.IntVar(&f.overlap, "overlap", 0, "neighbours per image for the sequential strategy")
	fs.StringVarP(&f.output, "output", "o", "", "output directory")
	fs.IntVar(&f.workers, "workers", 0, "parallel workers (0 keeps the configured value)")
	if !tilingFlags {
		return
	}
	fs.StringVar(&f.tiling, "tiling", "", "tiling policy (none|grid|exhaustive|preselection)")
	fs.StringVar(&f.tileSize, "tile-size", "", "nominal tile size as WxH")
	fs.IntVar(&f.tileOverlap, "tile-overlap", 0, "tile overlap in pixels")
	fs.StringVarP(&f.quality, "quality", "q", "", "resize before extraction (lowest|low|medium|high|highest)")
	fs.StringVar(&f.backend, "store", "", "feature/match store backend (sqlite|pebble)")
	fs.BoolVar(&f.colmap, "export-colmap", false, "write a COLMAP database after matching")
	fs.StringVar(&f.cameras, "camera-options", "", "camera options JSON for the COLMAP export")
}

// apply copies base and overrides every flag the user set.
func (f *runFlags) apply(base *config.Config, fs *pflag.FlagSet) (*config.Config, error) {
	cfg := base.Clone()
	g := &cfg.General
	var err error
	if fs.Changed("pipeline") {
		g.Pipeline = f.pipeline
	}
	if fs.Changed("strategy") {
		if g.Strategy, err = config.ParseStrategy(f.strategy); err != nil {
			return nil, err
		}
	}
	if fs.Changed("overlap") {
		g.Overlap = f.overlap
	}
	if fs.Changed("output") {
		g.OutputDir = f.output
	}
	if fs.Changed("workers") && f.workers > 0 {
		cfg.Processing.Workers = f.workers
	}
	if fs.Changed("tiling") {
		if g.Tiling, err = config.ParseTilingPolicy(f.tiling); err != nil {
			return nil, err
		}
	}
	if fs.Changed("tile-size") {
		if g.TileSize, err = config.ParseTileSize(f.tileSize); err != nil {
			return nil, err
		}
	}
	if fs.Changed("tile-overlap") {
		g.TileOverlap = f.tileOverlap
	}
	if fs.Changed("quality") {
		if g.Quality, err = config.ParseQuality(f.quality); err != nil {
			return nil, err
		}
	}
	if fs.Changed("store") {
		if cfg.Store.Backend, err = config.ParseStoreBackend(f.backend); err != nil {
			return nil, err
		}
	}
	if fs.Changed("export-colmap") {
		cfg.Export.Colmap = f.colmap
	}
	if fs.Changed("camera-options") {
		cfg.Export.CameraOptions = f.cameras
	}
	return cfg, nil
}

func newMatchCmd(root *Root) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "match <image_dir>",
		Short: "Select pairs, extract and match features",
		Long: `Match every selected image pair of a directory and write the keypoint and
match stores. With --export-colmap a COLMAP database is written as well.

Examples:
  dimatch match ./images --pipeline superpoint+lightglue --strategy sequential --overlap 2
  dimatch match ./images --tiling preselection --tile-size 2400x2000 --export-colmap`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.apply(root.cfg, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.General.ImageDir = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}

			job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobMatch, Config: cfg}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "features: %v\n", res.Meta["feature_path"])
			printf(out, "matches: %v\n", res.Meta["match_path"])
			if db, _ := res.Meta["colmap_database"].(string); db != "" {
				printf(out, "colmap: %s\n", db)
			}
			return nil
		},
	}
	flags.register(cmd.Flags(), true)
	return cmd
}

func newPairsCmd(root *Root) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "pairs <image_dir>",
		Short: "Print the image pairs a strategy would match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.apply(root.cfg, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.General.ImageDir = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}

			job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobPairs, Config: cfg}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			list, _ := res.Meta["pairs"].([][2]string)
			for _, p := range list {
				printf(out, "%s %s\n", p[0], p[1])
			}
			root.log.Info("pairs selected", "strategy", res.Meta["strategy"], "selected", len(list), "pruned", res.Meta["pruned"])
			return nil
		},
	}
	flags.register(cmd.Flags(), false)
	return cmd
}

func newTilesCmd(root *Root) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "tiles <width> <height>",
		Short: "Print the tile decomposition of an image size",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("width: %w", err)
			}
			h, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("height: %w", err)
			}
			cfg, err := flags.apply(root.cfg, cmd.Flags())
			if err != nil {
				return err
			}
			g := cfg.General
			if err := cfg.Validate(); err != nil {
				return err
			}
			grid, err := tiling.ForPolicy(g.Tiling, 0, w, h, g.TileSize, g.TileOverlap)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "%d rows x %d cols\n", grid.Rows, grid.Cols)
			for _, t := range grid.Tiles {
				printf(out, "%d r%d c%d %v\n", t.Index, t.Row, t.Col, t.Box)
			}
			return nil
		},
	}
	flags.register(cmd.Flags(), true)
	return cmd
}

func newExportCmd(root *Root) *cobra.Command {
	var (
		cameras  string
		database string
	)

	cmd := &cobra.Command{
		Use:   "export <output_dir>",
		Short: "Write a COLMAP database from existing feature and match stores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Clone()
			cfg.General.OutputDir = args[0]
			if cameras != "" {
				cfg.Export.CameraOptions = cameras
			}
			if database != "" {
				cfg.Export.Database = database
			}

			job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobExport, Config: cfg}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "colmap: %v (%v images, %v pairs)\n", res.Meta["database"], res.Meta["images"], res.Meta["pairs"])
			return nil
		},
	}
	cmd.Flags().StringVar(&cameras, "camera-options", "", "camera options JSON")
	cmd.Flags().StringVar(&database, "database", "", "database path (default <output_dir>/database.db)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC run servers",
		Long: `Start an HTTP server for submitting and monitoring runs, and optionally a gRPC
server with the same operations. With --watch, changes to a directory's images
queue a fresh match run.

Examples:
  dimatch serve --addr :8080
  dimatch serve --addr :8080 --grpc-addr :9090 --watch /data/scans`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				opts.Addr = root.cfg.Server.Addr
			}
			root.log.Info("starting server", "addr", opts.Addr, "grpc_addr", opts.GRPCAddr, "watch", opts.Watch)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", "", "gRPC listen address, disabled if empty")
	cmd.Flags().StringVar(&opts.Watch, "watch", "", "image directory to watch")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		remote string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote != "" {
				conn, err := grpc.NewClient(remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
				if err != nil {
					return err
				}
				defer conn.Close()
				runs, err := grpcserver.NewClient(conn).List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				for _, v := range runs {
					m, _ := v.(map[string]any)
					printf(out, "%v\t%v\t%v\n", m["id"], m["status"], m["image_dir"])
				}
				return nil
			}

			if root.store == nil {
				return fmt.Errorf("no run journal configured")
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				printf(out, "%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.ImageDir, rec.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().StringVar(&remote, "grpc", "", "query a running server at this gRPC address")
	return cmd
}
