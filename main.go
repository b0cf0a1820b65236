package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"cachepeers/commands"
	"cachepeers/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	peerID := infoCmd.String("peer", "", "Show a single peer identifier, e.g. //10.0.0.1:40100/default")
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, serve or info")
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		err = commands.RunInit(ctx, config.NewEmptyConfig(*configFile))
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		err = commands.RunServe(ctx, loadConfig(*configFile))
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		err = commands.RunInfo(ctx, loadConfig(*configFile), *peerID)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}
