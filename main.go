package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/cloudigrade/houndigrade/app/cmd"
	"github.com/cloudigrade/houndigrade/pkg/meta"
	"github.com/cloudigrade/houndigrade/pkg/util"
)

func main() {
	a := cli.NewApp()
	a.Name = "houndigrade"
	a.Usage = "Detect RHEL installations on attached cloud image volumes"
	a.Version = meta.Version
	a.Before = func(c *cli.Context) error {
		util.SetUpLogger(c.GlobalBool("debug"), c.GlobalBool("log-json"))
		return nil
	}
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name: "debug",
		},
		cli.BoolFlag{
			Name:  "log-json",
			Usage: "Log as JSON instead of text",
		},
	}
	a.Commands = []cli.Command{
		cmd.InspectCmd(),
		cmd.DescribeCmd(),
		cmd.VersionCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
