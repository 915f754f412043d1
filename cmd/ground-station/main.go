// Command ground-station sends a single request to a flock unit and prints the agreed answer.
package main

import (
	"context"
	"flag"
	"flock/commands"
	"flock/config"
	"flock/helper/logging"
	"flock/swarm/ground"
	"net"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

func main() {
	address := flag.String("a", "127.0.0.1", "Address of the unit to ask")
	port := flag.Uint("p", config.DefaultPort, "Port of the unit")
	timeout := flag.Duration("timeout", ground.DefaultTimeout, "How long to wait for the response")
	logDir := flag.String("l", config.DefaultLogDir, "Directory for log files")
	toStdout := flag.Bool("log-to-stdout", false, "Log to stdout instead of a file")
	logLevel := flag.String("loglevel", "warning", "Log level")
	flag.Parse()

	closer, err := logging.Configure(*toStdout, *logDir, "ground-station", *logLevel)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	p, err := config.ParsePort(*port)
	if err != nil {
		log.Fatalf("Invalid port: %v", err)
	}
	target := net.JoinHostPort(*address, strconv.Itoa(int(p)))
	code := commands.RunGround(context.Background(), os.Stdout, target, *timeout)
	closer.Close()
	os.Exit(code)
}
