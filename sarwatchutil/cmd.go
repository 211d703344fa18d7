/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package sarwatchutil is the operational command surface of the pipeline:
// schema migrations, grid generation, pair discovery, job control and the
// long-running worker, composed from the library packages and configured
// through a file, flags and SARWATCH_* environment variables.
package sarwatchutil

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ctessum/geom"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spatialmodel/sarwatch"
	"github.com/spatialmodel/sarwatch/asf"
	"github.com/spatialmodel/sarwatch/hyp3"
	"github.com/spatialmodel/sarwatch/pipeline"
	"github.com/spatialmodel/sarwatch/raster"
	"github.com/spatialmodel/sarwatch/sardb"
)

const dateLayout = "2006-01-02"

// app carries the loaded configuration shared by all commands.
type app struct {
	viper *viper.Viper
	cfg   sarwatch.Config
	log   *logrus.Logger
}

// NewRoot builds the sarwatch command tree.
func NewRoot() *cobra.Command {
	a := &app{viper: newViper(), log: logrus.New()}

	root := &cobra.Command{
		Use:   "sarwatch",
		Short: "InSAR deformation monitoring pipeline",
		Long: `sarwatch materializes areas of interest as lattices of ground monitoring
points, discovers Sentinel-1 SLC pairs, orchestrates interferometric
processing jobs against an external service, samples the resulting
displacement rasters and derives per-point deformation velocities.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "configuration file (YAML)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.migrateCmd(),
		a.infraCmd(),
		a.gridCmd(),
		a.pairsCmd(),
		a.jobsCmd(),
		a.workerCmd(),
		a.velocitiesCmd(),
	)
	return root
}

// initialize loads the configuration file (when given) and the environment,
// then assembles and validates the pipeline configuration.
func (a *app) initialize(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.viper.SetConfigFile(path)
		if err := a.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("sarwatchutil: reading configuration: %w", err)
		}
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		a.viper.Set("log.level", lvl)
	}
	level, err := logrus.ParseLevel(a.viper.GetString("log.level"))
	if err != nil {
		return fmt.Errorf("sarwatchutil: parsing log level: %w", err)
	}
	a.log.SetLevel(level)

	cfg, err := pipelineConfig(a.viper)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// connect opens the configured database.
func (a *app) connect(ctx context.Context) (*sardb.DB, error) {
	db, err := sardb.Connect(ctx, sardb.Config{
		DSN:       a.viper.GetString("db.dsn"),
		MaxConns:  a.viper.GetInt32("db.max_conns"),
		ChunkSize: a.cfg.Storage.BulkChunkSize,
	})
	if err != nil {
		return nil, err
	}
	db.Log = a.log
	return db, nil
}

// catalog returns the configured granule catalog client.
func (a *app) catalog() *asf.Client {
	c := asf.NewClient(a.viper.GetString("catalog.url"))
	c.Log = a.log
	return c
}

// orchestrator wires the full pipeline around an open database.
func (a *app) orchestrator(db *sardb.DB, metrics *pipeline.Metrics) *pipeline.Orchestrator {
	upstream := hyp3.NewClient(a.viper.GetString("upstream.url"), a.viper.GetString("upstream.token"))
	upstream.Log = a.log
	downloader := &raster.Downloader{
		Dir:     a.cfg.WorkingDir,
		Timeout: a.cfg.Sampler.DownloadTimeout,
		Log:     a.log,
	}
	sampler := raster.NewSampler(downloader, a.cfg.Sampler)
	sampler.Log = a.log
	o := pipeline.New(db, a.catalog(), upstream, sampler, a.cfg)
	o.Log = a.log
	o.Metrics = metrics
	return o
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate {up|down|version|force <version>}",
		Short: "Manage the database schema",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			switch args[0] {
			case "up":
				return db.MigrateUp()
			case "down":
				return db.MigrateDown()
			case "version":
				v, dirty, err := db.MigrateVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", v, dirty)
				return nil
			case "force":
				if len(args) != 2 {
					return fmt.Errorf("sarwatchutil: migrate force needs a version argument")
				}
				v, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("sarwatchutil: parsing version %q: %w", args[1], err)
				}
				return db.MigrateForce(v)
			}
			return fmt.Errorf("sarwatchutil: unknown migrate action %q", args[0])
		},
	}
	return cmd
}

func (a *app) infraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infra",
		Short: "Create and list monitored infrastructures",
	}

	var name, aoiPath string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an infrastructure from an AOI file",
		RunE: func(cmd *cobra.Command, args []string) error {
			polygon, err := LoadAOI(aoiPath)
			if err != nil {
				return err
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			inf := &sarwatch.Infrastructure{Name: name, Geometry: polygon}
			if err := db.CreateInfrastructure(cmd.Context(), inf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), inf.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "infrastructure name")
	create.Flags().StringVar(&aoiPath, "aoi", "", "AOI polygon file (.geojson, .json or .shp)")
	create.MarkFlagRequired("name")
	create.MarkFlagRequired("aoi")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered infrastructures",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			infras, err := db.ListInfrastructures(cmd.Context())
			if err != nil {
				return err
			}
			for _, inf := range infras {
				n, err := db.CountPoints(cmd.Context(), inf.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d points\n", inf.ID, inf.Name, n)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func (a *app) gridCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Estimate and generate monitoring-point lattices",
	}

	var aoiPath string
	var spacing float64
	estimate := &cobra.Command{
		Use:   "estimate",
		Short: "Compute lattice size and cost for an AOI without persisting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			polygon, err := LoadAOI(aoiPath)
			if err != nil {
				return err
			}
			est, err := sarwatch.EstimateGrid(polygon, a.spacing(spacing), a.cfg.Grid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "points: %d\narea: %.4f km²\nestimated cost: %.2f USD\n",
				est.PointCount, est.AreaKM2, est.EstimatedCostUSD)
			return nil
		},
	}
	estimate.Flags().StringVar(&aoiPath, "aoi", "", "AOI polygon file")
	estimate.Flags().Float64Var(&spacing, "spacing", 0, "lattice spacing in meters (default from config)")
	estimate.MarkFlagRequired("aoi")

	var infraArg string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate and persist the lattice for an infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			infraID, err := uuid.Parse(infraArg)
			if err != nil {
				return fmt.Errorf("sarwatchutil: parsing infrastructure ID: %w", err)
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			inf, err := db.Infrastructure(cmd.Context(), infraID)
			if err != nil {
				return err
			}
			res, err := sarwatch.GenerateGrid(cmd.Context(), db, infraID, inf.Geometry,
				a.spacing(spacing), a.cfg.Grid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generated %d points in %v\n", res.PointCount, res.Duration)
			return nil
		},
	}
	generate.Flags().StringVar(&infraArg, "infra", "", "infrastructure ID")
	generate.Flags().Float64Var(&spacing, "spacing", 0, "lattice spacing in meters (default from config)")
	generate.MarkFlagRequired("infra")

	cmd.AddCommand(estimate, generate)
	return cmd
}

func (a *app) pairsCmd() *cobra.Command {
	var aoiPath, infraArg, start, end string
	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Discover and score interferometric pairs for an AOI",
		RunE: func(cmd *cobra.Command, args []string) error {
			polygon, err := a.resolveAOI(cmd.Context(), aoiPath, infraArg)
			if err != nil {
				return err
			}
			window, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			candidates, err := sarwatch.FindPairs(cmd.Context(), a.catalog(), polygon, window, a.cfg.Pairs)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no candidate pairs")
				return nil
			}
			for _, c := range candidates {
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f\t%dd\t%s -> %s\n",
					c.Score, c.TemporalBaselineDays, c.Reference.Name, c.Secondary.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&aoiPath, "aoi", "", "AOI polygon file")
	cmd.Flags().StringVar(&infraArg, "infra", "", "infrastructure ID (AOI read from the database)")
	cmd.Flags().StringVar(&start, "start", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "window end (YYYY-MM-DD)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func (a *app) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect processing jobs",
	}

	var infraArg, start, end string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Discover the best pair and submit a processing job",
		RunE: func(cmd *cobra.Command, args []string) error {
			infraID, err := uuid.Parse(infraArg)
			if err != nil {
				return fmt.Errorf("sarwatchutil: parsing infrastructure ID: %w", err)
			}
			window, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			jobID, err := a.orchestrator(db, nil).SubmitJob(cmd.Context(), infraID, window)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	submit.Flags().StringVar(&infraArg, "infra", "", "infrastructure ID")
	submit.Flags().StringVar(&start, "start", "", "window start (YYYY-MM-DD)")
	submit.Flags().StringVar(&end, "end", "", "window end (YYYY-MM-DD)")
	submit.MarkFlagRequired("infra")
	submit.MarkFlagRequired("start")
	submit.MarkFlagRequired("end")

	var statusInfra string
	status := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job, or all jobs of an infrastructure",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if len(args) == 1 {
				jobID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("sarwatchutil: parsing job ID: %w", err)
				}
				job, err := db.Job(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				printJob(cmd, db, job)
				return nil
			}
			if statusInfra == "" {
				return fmt.Errorf("sarwatchutil: give a job ID or --infra")
			}
			infraID, err := uuid.Parse(statusInfra)
			if err != nil {
				return fmt.Errorf("sarwatchutil: parsing infrastructure ID: %w", err)
			}
			jobs, err := db.ListJobs(cmd.Context(), infraID)
			if err != nil {
				return err
			}
			for i := range jobs {
				printJob(cmd, db, &jobs[i])
			}
			return nil
		},
	}
	status.Flags().StringVar(&statusInfra, "infra", "", "infrastructure ID")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-submit a failed or cancelled job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("sarwatchutil: parsing job ID: %w", err)
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			newID, err := a.orchestrator(db, nil).RetryJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), newID)
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("sarwatchutil: parsing job ID: %w", err)
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return a.orchestrator(db, nil).CancelJob(cmd.Context(), jobID)
		},
	}

	cmd.AddCommand(submit, status, retry, cancel)
	return cmd
}

func (a *app) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the polling worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			registry := prometheus.NewRegistry()
			metrics := pipeline.NewMetrics(registry)
			addr := a.viper.GetString("metrics.addr")
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			server := &http.Server{Addr: addr, Handler: mux}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.log.WithError(err).Error("sarwatchutil: metrics server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
			a.log.WithField("addr", addr).Info("sarwatchutil: serving metrics")

			return a.orchestrator(db, metrics).Run(ctx)
		},
	}
}

func (a *app) velocitiesCmd() *cobra.Command {
	var infraArg string
	cmd := &cobra.Command{
		Use:   "velocities",
		Short: "Recompute and print per-point deformation velocities",
		RunE: func(cmd *cobra.Command, args []string) error {
			infraID, err := uuid.Parse(infraArg)
			if err != nil {
				return fmt.Errorf("sarwatchutil: parsing infrastructure ID: %w", err)
			}
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			fitted, err := db.RecomputeVelocities(cmd.Context(), infraID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fitted %d points\n", fitted)
			vels, err := db.Velocities(cmd.Context(), infraID)
			if err != nil {
				return err
			}
			for _, v := range vels {
				if v.VelocityMMYear == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(%.6f, %.6f)\t-\t%d measurements\n",
						v.PointID, v.Lon, v.Lat, v.Measurements)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t(%.6f, %.6f)\t%+.3f mm/yr\t%d measurements\n",
					v.PointID, v.Lon, v.Lat, *v.VelocityMMYear, v.Measurements)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&infraArg, "infra", "", "infrastructure ID")
	cmd.MarkFlagRequired("infra")
	return cmd
}

// spacing applies the configured default when the flag was not given.
func (a *app) spacing(flag float64) float64 {
	if flag > 0 {
		return flag
	}
	return a.cfg.Grid.DefaultSpacingM
}

// resolveAOI loads the AOI polygon from a file or from a stored
// infrastructure; exactly one source must be given.
func (a *app) resolveAOI(ctx context.Context, aoiPath, infraArg string) (geom.Polygon, error) {
	switch {
	case aoiPath != "" && infraArg != "":
		return nil, fmt.Errorf("sarwatchutil: give --aoi or --infra, not both")
	case aoiPath != "":
		return LoadAOI(aoiPath)
	case infraArg != "":
		infraID, err := uuid.Parse(infraArg)
		if err != nil {
			return nil, fmt.Errorf("sarwatchutil: parsing infrastructure ID: %w", err)
		}
		db, err := a.connect(ctx)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		inf, err := db.Infrastructure(ctx, infraID)
		if err != nil {
			return nil, err
		}
		return inf.Geometry, nil
	}
	return nil, fmt.Errorf("sarwatchutil: give --aoi or --infra")
}

func parseWindow(start, end string) (sarwatch.DateWindow, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return sarwatch.DateWindow{}, fmt.Errorf("sarwatchutil: parsing start date %q: %w", start, err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return sarwatch.DateWindow{}, fmt.Errorf("sarwatchutil: parsing end date %q: %w", end, err)
	}
	if !e.After(s) {
		return sarwatch.DateWindow{}, fmt.Errorf("sarwatchutil: window end %s is not after start %s", end, start)
	}
	return sarwatch.DateWindow{Start: s, End: e.AddDate(0, 0, 1)}, nil
}

func printJob(cmd *cobra.Command, db *sardb.DB, job *sarwatch.Job) {
	line := fmt.Sprintf("%s\t%s\t%s -> %s", job.ID, job.Status,
		job.ReferenceGranule, job.SecondaryGranule)
	if job.Status == sarwatch.StatusSucceeded {
		if n, err := db.CountDeformations(cmd.Context(), job.ID); err == nil {
			line += fmt.Sprintf("\t%d measurements", n)
		}
	}
	if job.ErrorMessage != "" {
		line += "\t" + job.ErrorMessage
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}
