package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/oklog/run"
	"go.uber.org/zap"

	"github.com/mmadfox/geoview"
	"github.com/mmadfox/geoview/internal/config"
	"github.com/mmadfox/geoview/internal/transport"
)

func main() {
	fs := flag.NewFlagSet("geoview", flag.ExitOnError)
	var (
		confFilename = fs.String("config", "geoview.yml", "Sets configuration filename. Default is geoview.yml in the current folder.")
	)
	fs.Usage = usageFor(fs, os.Args[0]+" [flags]")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Printf("[ERROR] fs.Parse(%v) => %v\n", os.Args[1:], err)
		os.Exit(1)
	}

	envConfFilename := os.Getenv("CONFIG")
	if len(envConfFilename) > 0 {
		*confFilename = envConfFilename
	}
	conf, err := config.FromFile(*confFilename)
	if err != nil {
		fmt.Printf("[ERROR] config.FromFile(%s) => %v\n", *confFilename, err)
		os.Exit(1)
	}

	logger, err := conf.BuildLogger()
	if err != nil {
		fmt.Printf("[ERROR] conf.BuildLogger() => %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugarLogger := logger.Sugar()

	engine, err := geoview.New(conf.EngineOptions(logger)...)
	if err != nil {
		sugarLogger.Errorf("failed to init engine: %v", err)
		os.Exit(1)
	}
	if err := conf.Apply(engine); err != nil {
		sugarLogger.Errorf("failed to apply config: %v", err)
		os.Exit(1)
	}
	err = engine.SetViewAnnotationPositionsUpdateListener(geoview.ViewAnnotationPositionsUpdateFunc(func(positions []geoview.ViewAnnotationPositionDescriptor) {
		logger.Debug("view annotations placed", zap.Int("visible", len(positions)))
	}))
	if err != nil {
		sugarLogger.Errorf("failed to set annotation listener: %v", err)
		os.Exit(1)
	}

	httpListener, err := net.Listen("tcp", conf.HTTPAddr())
	if err != nil {
		sugarLogger.Errorf("failed to listen: %v", err)
		os.Exit(1)
	}
	httpServer := &http.Server{
		Handler:      transport.NewHTTPHandler(transport.NewEndpointSet(engine, logger), logger),
		ReadTimeout:  conf.HTTP.ReadTimeout,
		WriteTimeout: conf.HTTP.WriteTimeout,
	}

	var g run.Group
	{
		g.Add(func() error {
			sugarLogger.Infof("run: HTTP server on %s", conf.HTTPAddr())
			if err := httpServer.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(err error) {
			logger.Info("shutdown: HTTP server")
			_ = httpServer.Shutdown(context.Background())
		})
	}
	{
		done := make(chan struct{})
		g.Add(func() error {
			<-done
			return nil
		}, func(err error) {
			logger.Info("shutdown: engine")
			if err := engine.Close(); err != nil {
				sugarLogger.Error(err)
			}
			close(done)
		})
	}
	{
		g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))
	}

	sugarLogger.Infof("exit: %v", g.Run())
}

func usageFor(fs *flag.FlagSet, short string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "USAGE\n")
		fmt.Fprintf(os.Stderr, "  %s\n", short)
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		w := tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
		fs.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(w, "\t-%s %s\t%s\n", f.Name, f.DefValue, f.Usage)
		})
		w.Flush()
		fmt.Fprintf(os.Stderr, "\n")
	}
}
