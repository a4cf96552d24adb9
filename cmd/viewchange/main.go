package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsprotocols/viewchange"
	"github.com/dsprotocols/viewchange/logging"
)

func main() {
	var (
		name     = flag.String("name", "", "name of this process; must appear in the hostfile")
		hostfile = flag.String("hosts", "hosts", "path to the hostfile listing all nodes in leader order")
		testCase = flag.String("test", "1", "test case selector (1-5)")
		progress = flag.Duration("progress", 3*time.Second, "progress timer duration")
		vcproof  = flag.Duration("vcproof", time.Second, "view-change proof broadcast interval")
		logDir   = flag.String("log", "", "directory to write logs into; stderr if unset")
	)
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "a node name is required (-name)")
		os.Exit(2)
	}

	level, err := logging.LevelFromString(os.Getenv("VC_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(2)
	}
	logOpts := []logging.Option{logging.WithLevel(level)}
	if *logDir != "" {
		logOpts = append(logOpts, logging.WithFile(*logDir, *name))
	}
	logger, err := logging.NewLogger(logOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create logger: %s\n", err)
		os.Exit(2)
	}

	selected, err := viewchange.ParseTestCase(*testCase)
	if err != nil {
		logger.Fatalf("%s", err)
	}

	roster, err := viewchange.LoadRoster(*hostfile)
	if err != nil {
		logger.Fatalf("could not load hostfile %s: %s", *hostfile, err)
	}
	logger.Infof("loaded hostfile %s with %d members", *hostfile, roster.Size())

	node, err := viewchange.NewNode(*name, roster,
		viewchange.WithProgressTimeout(*progress),
		viewchange.WithProofInterval(*vcproof),
		viewchange.WithLogger(logger),
		viewchange.WithTestCase(selected),
		viewchange.WithInstallHandler(func(view uint64, leader uint32) {
			fmt.Printf("%s: server %d is the new leader of view %d\n", *name, leader, view)
		}),
	)
	if err != nil {
		logger.Fatalf("could not create node: %s", err)
	}

	if err := node.Start(); err != nil {
		logger.Fatalf("could not start node: %s", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case <-node.Done():
		logger.Infof("test case %s complete", selected)
	case sig := <-signals:
		logger.Infof("received %s, shutting down", sig)
	}
	node.Stop()
}
