package main

import (
	"context"
	"flag"
	"flock/commands"
	"flock/config"
	"flock/helper/logging"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

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

// loadConfig reads the config file when one is given. Without it the defaults apply.
func loadConfig(configFile string) *config.Config {
	if configFile == "" {
		return config.NewEmptyConfig("")
	}
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// applyOverrides copies explicitly set command line flags over the loaded configuration.
func applyOverrides(fset *flag.FlagSet, cfg *config.Config, o *overrides) {
	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.Network.BindAddress = o.address
		case "p":
			port, err := config.ParsePort(o.port)
			if err != nil {
				log.Fatalf("Invalid port: %v", err)
			}
			cfg.Network.Port = port
		case "l":
			cfg.Logging.Dir = o.logDir
		case "log-to-stdout":
			cfg.Logging.ToStdout = o.toStdout
		case "loglevel":
			cfg.Logging.Level = o.logLevel
		case "seeds":
			cfg.Network.Seeds = splitList(o.seeds)
		case "observation":
			cfg.Node.Observation = o.observation
		case "metrics":
			cfg.Network.MetricsListenAddress = o.metrics
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

type overrides struct {
	address     string
	port        uint
	logDir      string
	toStdout    bool
	logLevel    string
	seeds       string
	observation string
	metrics     string
}

func configureLogging(cfg *config.Config, name string) func() {
	closer, err := logging.Configure(cfg.Logging.ToStdout, cfg.Logging.Dir, name, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	return func() { closer.Close() }
}

// main is the entry point of the application.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := &overrides{}
	configFile := flag.String("config", "", "Path to config file")
	flag.StringVar(&o.logLevel, "loglevel", "info", "Log level")
	flag.StringVar(&o.address, "a", config.DefaultBindAddress, "Address to bind to")
	flag.UintVar(&o.port, "p", config.DefaultPort, "Port to listen on")
	flag.StringVar(&o.logDir, "l", config.DefaultLogDir, "Directory for log files")
	flag.BoolVar(&o.toStdout, "log-to-stdout", false, "Log to stdout instead of a file")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	units := serveCmd.Int("units", 1, "Number of units to host in this process")
	serveCmd.StringVar(&o.seeds, "seeds", "", "Comma separated addresses of known units")
	serveCmd.StringVar(&o.observation, "observation", "", "Fixed observation to answer with instead of the time slot")
	serveCmd.StringVar(&o.metrics, "metrics", "", "Address to serve Prometheus metrics on")
	registerGlobalFlags(serveCmd)

	groundCmd := flag.NewFlagSet("ground", flag.ExitOnError)
	timeout := groundCmd.Duration("timeout", 0, "Response timeout (defaults to the configured request timeout plus a margin)")
	registerGlobalFlags(groundCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, serve, ground or info")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(o.logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		applyOverrides(initCmd, cfg, o)
		if err := commands.RunInit(ctx, cfg); err != nil {
			log.Fatalf("Init failed: %v", err)
		}
	case "serve":
		serveCmd.Parse(args)
		cfg := loadConfig(*configFile)
		applyOverrides(serveCmd, cfg, o)
		closeLog := configureLogging(cfg, "flock")
		err := commands.RunServe(ctx, cfg, commands.ServeOptions{Units: *units})
		if err != nil {
			log.Errorf("Serve failed: %v", err)
		}
		closeLog()
		if err != nil {
			os.Exit(1)
		}
	case "ground":
		groundCmd.Parse(args)
		cfg := loadConfig(*configFile)
		applyOverrides(groundCmd, cfg, o)
		closeLog := configureLogging(cfg, "ground")
		if *timeout == 0 {
			*timeout = cfg.GroundTimeout()
		}
		host := cfg.Network.BindAddress
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			host = "127.0.0.1"
		}
		address := net.JoinHostPort(host, strconv.Itoa(int(cfg.Network.Port)))
		code := commands.RunGround(ctx, os.Stdout, address, *timeout)
		closeLog()
		os.Exit(code)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(o.logLevel)
		cfg := loadConfig(*configFile)
		if err := commands.RunInfo(ctx, os.Stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
