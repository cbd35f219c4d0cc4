package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pledge-admin/pledgegate/internal/routes"
)

// ClassifyCmd prints how the gate treats each path.
type ClassifyCmd struct {
	Paths      []string `arg:"" help:"request paths to classify"`
	RoutesFile string   `help:"YAML file overriding the route table" default:"" env:"PLEDGE_ROUTES_FILE"`
}

func (c *ClassifyCmd) Run(globals *Globals) error {
	setupLogging(globals.Debug)
	return c.run(os.Stdout)
}

func (c *ClassifyCmd) run(out io.Writer) error {
	table := routes.Default()
	if c.RoutesFile != "" {
		var err error
		table, err = routes.Load(c.RoutesFile)
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tCLASS\tROLES")
	for _, p := range c.Paths {
		roles := "-"
		if required := table.RequiredRoles(p); len(required) > 0 {
			roles = strings.Join(required, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p, table.Classify(p), roles)
	}
	return tw.Flush()
}
