package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/vaultfs/vaultfs/pkg/server"
	"github.com/vaultfs/vaultfs/pkg/store"
)

func main() {
	var (
		address = flag.String("addr", ":4200", "server address")
		verbose = flag.Bool("verbose", false, "enable debug-level logging")
	)
	flag.Parse()

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	s := store.New(log)
	srv := server.New(s, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		srv.Close()
	}()

	log.WithField("address", *address).Info("vaultfs server starting")
	if err := srv.Listen(*address); err != nil {
		log.WithError(err).Fatal("server error")
	}
}
