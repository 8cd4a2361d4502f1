package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MuchTitan/go-log-notifier/internal/config"
	"github.com/sirupsen/logrus"
)

type FlagOptions struct {
	configPath *string
}

var opts = FlagOptions{}

func init() {
	opts.configPath = flag.String("cfg", "config.yaml", "provided the path to your config file")
}

// configPath prefers a positional argument over the -cfg flag.
func configPath() string {
	if flag.NArg() > 0 {
		return flag.Arg(0)
	}
	return *opts.configPath
}

func main() {
	flag.Parse()

	engine, err := config.NewPluginEngine(configPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	outputs := make([]string, 0, len(engine.Dispatcher.Outputs()))
	for _, out := range engine.Dispatcher.Outputs() {
		outputs = append(outputs, out.Name())
	}
	logrus.WithFields(logrus.Fields{
		"files":   len(engine.Watches()),
		"outputs": outputs,
	}).Info("Starting log notifier")

	if err := engine.Start(); err != nil {
		logrus.WithError(err).Error("could not start engine")
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logrus.WithField("signal", sig.String()).Info("Stopping log notifier")
	if err := engine.Stop(); err != nil {
		logrus.WithError(err).Warn("errors during shutdown")
	}

	dispatched, failed := engine.Dispatcher.Stats()
	logrus.WithFields(logrus.Fields{
		"dispatched": dispatched,
		"failed":     failed,
	}).Info("log notifier stopped")
}
