package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/cli"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := cli.RootCommand(version).Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
