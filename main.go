package main

import (
	"flag"

	"github.com/go-i2p/go-gamerelay/lib/config"
	"github.com/go-i2p/go-gamerelay/lib/relay"
	"github.com/go-i2p/go-gamerelay/lib/util"
	"github.com/go-i2p/go-gamerelay/lib/util/signals"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

func main() {
	port := flag.Int("port", 0, "Listen port (overrides config)")
	dbPath := flag.String("db", "", "Path to the session database (overrides config)")
	flag.Parse()

	config.InitConfig()
	cfg := config.NewRelayConfigFromViper()
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	go signals.Handle()
	log.Debug("starting up game relay")
	r, err := relay.CreateRelay(cfg)
	if err == nil {
		util.RegisterCloser(r)
		signals.RegisterReloadHandler(func() {
			r.LogStatus()
		})
		signals.RegisterInterruptHandler(func() {
			r.Stop()
		})
		r.Start()
		r.Wait()
		util.CloseAll()
	} else {
		log.Errorf("failed to create game relay: %s", err)
	}
}
