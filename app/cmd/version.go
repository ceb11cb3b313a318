package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/cloudigrade/houndigrade/pkg/meta"
)

func VersionCmd() cli.Command {
	return cli.Command{
		Name: "version",
		Action: func(c *cli.Context) {
			if err := version(c); err != nil {
				logrus.Fatalln("Error running version command:", err)
			}
		},
	}
}

func version(c *cli.Context) error {
	output, err := json.MarshalIndent(meta.GetVersion(), "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}
