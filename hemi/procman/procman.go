// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Procman package runs a stage as a foreground process and handles its command line.

package procman

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hexinfra/webserv/hemi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	debugLevel  int
	configFile  string
	baseDir     string
	metricsAddr string
)

// Main parses the command line and performs the requested action.
func Main(program string, usage string, defaultDebug int, defaultMetrics string) {
	flag.Usage = func() { fmt.Printf(usage, hemi.Version) }
	flag.IntVar(&debugLevel, "debug", defaultDebug, "")
	flag.StringVar(&configFile, "config", "", "")
	flag.StringVar(&baseDir, "base", "", "")
	flag.StringVar(&metricsAddr, "metrics", defaultMetrics, "")
	action := "serve"
	if len(os.Args) > 1 && os.Args[1][0] != '-' {
		action = os.Args[1]
		flag.CommandLine.Parse(os.Args[2:])
	} else {
		flag.Parse()
	}

	switch action {
	case "help":
		fmt.Printf(usage, hemi.Version)
	case "version":
		fmt.Println(hemi.Version)
	case "check", "serve":
		hemi.SetDebugLevel(int32(debugLevel))
		stage, err := loadStage()
		if action == "check" { // dry run
			if err != nil {
				fmt.Println(err.Error())
			} else {
				fmt.Println("PASS")
				stage.Close()
			}
			return
		}
		if err != nil {
			hemi.UseExitln(err.Error())
		}
		if err := serve(program, stage); err != nil {
			hemi.EnvExitln(err.Error())
		}
	default:
		hemi.UseExitf("unknown action: %s\n", action)
	}
}

func loadStage() (*hemi.Stage, error) {
	if baseDir == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(exePath)
	} else { // baseDir is specified.
		dir, err := filepath.Abs(baseDir)
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}
	if configFile == "" {
		configFile = "conf/webserv.conf"
	}
	return hemi.StageFromFile(baseDir, configFile)
}

// serve runs the stage until SIGINT or SIGTERM, together with the optional metrics endpoint.
func serve(program string, stage *hemi.Stage) error {
	if err := stage.Start(); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel() // loop is gone, stop the others
		return stage.Serve()
	})
	group.Go(func() error {
		<-ctx.Done()
		return stage.Shutdown()
	})
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(stage.Registry(), promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s metrics: %w", program, err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return server.Shutdown(context.Background())
		})
	}
	return group.Wait()
}
