package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/kolkata-maps/tilepack/tilepack"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Root        string `help:"Storage root holding the offline package." default:"data" env:"TILEPACK_ROOT" type:"path"`
	PackageName string `help:"File name of the installed package." default:"kolkata.mbtiles" env:"TILEPACK_PACKAGE"`
	LogLevel    string `help:"Log level: debug, info, warn, error." default:"info" env:"TILEPACK_LOG_LEVEL"`
	LogFormat   string `help:"Log format: console or json." default:"console" env:"TILEPACK_LOG_FORMAT"`
	Quiet       bool   `help:"Suppress progress bars."`

	Fetch struct {
		Source string `arg:"" optional:"" help:"Package URL (http(s) or a gocloud bucket URL). Defaults to $TILEPACK_SOURCE."`
	} `cmd:"" help:"Download, validate and install the offline package."`

	Status struct {
	} `cmd:"" help:"Report whether an offline package is installed and queryable."`

	Info struct {
		JSON bool `name:"json" help:"Print JSON instead of text."`
	} `cmd:"" help:"Show size, fingerprint and metadata of the installed package."`

	Delete struct {
	} `cmd:"" help:"Delete the installed package."`

	Contains struct {
		Lat  float64 `arg:"" help:"Latitude."`
		Lng  float64 `arg:"" help:"Longitude."`
		Bbox string  `help:"Custom coverage bbox: min_lon,min_lat,max_lon,max_lat"`
	} `cmd:"" help:"Check whether a coordinate is inside the coverage region."`

	Region struct {
		Bbox string `help:"Custom coverage bbox: min_lon,min_lat,max_lon,max_lat"`
	} `cmd:"" help:"Print the coverage region as GeoJSON."`

	Serve struct {
		Port   int    `default:"8080"`
		Cors   string `help:"Value of HTTP CORS header."`
		Source string `help:"Default package URL for POST /package." env:"TILEPACK_SOURCE"`
	} `cmd:"" help:"Run the local control API."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

type app struct {
	logger   *zap.Logger
	store    *tilepack.DirStore
	checker  *tilepack.Checker
	pipeline *tilepack.Pipeline
}

func newApp(logger *zap.Logger, onProgress func(float64)) (*app, error) {
	store, err := tilepack.NewDirStore(cli.Root)
	if err != nil {
		return nil, err
	}
	checker := tilepack.NewChecker(store, cli.PackageName, tilepack.OpenSQLite, logger)
	pipeline := tilepack.NewPipeline(store, tilepack.NewSourceTransfer(http.DefaultClient, store), checker, tilepack.Config{
		PackageName: cli.PackageName,
		Logger:      logger,
		OnProgress:  onProgress,
	})
	return &app{logger: logger, store: store, checker: checker, pipeline: pipeline}, nil
}

func region(bbox string) tilepack.Region {
	if bbox == "" {
		return tilepack.Kolkata
	}
	r, err := tilepack.ParseBbox(bbox)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return r
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	ctx := kong.Parse(&cli)

	logger, err := tilepack.NewLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	tilepack.SetQuietMode(cli.Quiet)

	switch ctx.Command() {
	case "fetch", "fetch <source>":
		if cli.Fetch.Source == "" {
			cli.Fetch.Source = os.Getenv("TILEPACK_SOURCE")
		}
		if cli.Fetch.Source == "" {
			logger.Fatal("no package URL given; pass one or set TILEPACK_SOURCE")
		}
		progress := tilepack.GetProgressWriter().NewFractionProgress("downloading offline package")
		a, err := newApp(logger, progress.Set)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}

		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			a.pipeline.Cancel()
		}()

		err = a.pipeline.FetchAndInstall(context.Background(), cli.Fetch.Source)
		progress.Close()
		if err != nil {
			var pe *tilepack.PipelineError
			if errors.As(err, &pe) {
				fmt.Fprintln(os.Stderr, pe.Message())
			}
			logger.Fatal("failed to install offline package", zap.Error(err))
		}
		if !a.checker.IsAvailable(context.Background()) {
			logger.Fatal("installed package is not queryable")
		}
		fmt.Printf("installed %s\n", a.store.Path(cli.PackageName))
	case "status":
		a, err := newApp(logger, nil)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}
		if a.checker.IsAvailable(context.Background()) {
			fmt.Println("available")
		} else {
			fmt.Println("not available")
			os.Exit(1)
		}
	case "info":
		a, err := newApp(logger, nil)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}
		info, err := tilepack.ReadInfo(context.Background(), a.store, a.checker)
		if err != nil {
			logger.Fatal("failed to read package info", zap.Error(err))
		}
		if cli.Info.JSON {
			if err := printJSON(info); err != nil {
				logger.Fatal("failed to encode package info", zap.Error(err))
			}
		} else {
			tilepack.WriteInfo(os.Stdout, info)
		}
	case "delete":
		a, err := newApp(logger, nil)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}
		if err := a.checker.DeletePackage(context.Background()); err != nil {
			logger.Fatal("failed to delete package", zap.Error(err))
		}
	case "contains <lat> <lng>":
		r := region(cli.Contains.Bbox)
		if r.Contains(cli.Contains.Lat, cli.Contains.Lng) {
			fmt.Printf("inside %s\n", r.Name)
		} else {
			fmt.Printf("outside %s\n", r.Name)
			os.Exit(1)
		}
	case "region":
		body, err := region(cli.Region.Bbox).GeoJSON()
		if err != nil {
			logger.Fatal("failed to render region", zap.Error(err))
		}
		os.Stdout.Write(body)
		fmt.Println()
	case "serve":
		a, err := newApp(logger, nil)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}
		if err := serve(a); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	case "version":
		fmt.Printf("tilepack %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}

func serve(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := tilepack.NewHandler(tilepack.HandlerConfig{
		Store:         a.store,
		Pipeline:      a.pipeline,
		Checker:       a.checker,
		Region:        tilepack.Kolkata,
		DefaultSource: cli.Serve.Source,
		CORS:          cli.Serve.Cors,
		Logger:        a.logger,
	})
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cli.Serve.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("serving control API", zap.Int("port", cli.Serve.Port), zap.String("cors", cli.Serve.Cors))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.pipeline.Cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	a.checker.Release()
	return err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
