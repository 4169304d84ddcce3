package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/MrWong99/reccon/internal/app"
	"github.com/MrWong99/reccon/internal/config"
	"github.com/MrWong99/reccon/internal/storage"
)

// newCLIApp creates the CLI application with all commands. Command output
// goes to out.
func newCLIApp(out io.Writer) *cli.App {
	a := &cli.App{
		Name:    "reccon",
		Usage:   "Continuous audio recorder with silence segmentation",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				EnvVars: []string{"RECCON_CONFIG"},
				Usage:   "path to the YAML configuration file",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			runCmd(),
			lsCmd(),
			reconcileCmd(),
			versionCmd(),
		},
	}
	// Errors are printed and mapped to exit codes by run.
	a.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return a
}

func runAction(c *cli.Context) error {
	return record(c.Context, c.String("config"))
}

// runCmd creates the run command. It is also the default action.
func runCmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Record until interrupted",
		Action: runAction,
	}
}

// lsCmd creates the ls command.
func lsCmd() *cli.Command {
	return &cli.Command{
		Name:  "ls",
		Usage: "List segment files and their state",
		Action: func(c *cli.Context) error {
			d, err := openDir(c)
			if err != nil {
				return err
			}
			defer d.Close()
			entries, err := d.List()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return printEntries(c.App.Writer, entries)
		},
	}
}

// reconcileCmd creates the reconcile command.
func reconcileCmd() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Report leftovers from an unclean shutdown",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "apply", Usage: "apply the partial policy to partial files"},
		},
		Action: func(c *cli.Context) error {
			d, err := openDir(c)
			if err != nil {
				return err
			}
			defer d.Close()

			apply := c.Bool("apply")
			if apply && !d.Exclusive() {
				return cli.Exit(fmt.Sprintf("%v; stop the recorder before running reconcile --apply", storage.ErrLocked), 1)
			}
			var rep storage.Report
			if apply {
				rep, err = d.Reconcile(c.Context)
			} else {
				rep, err = d.Scan()
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			printReport(c.App.Writer, rep, apply, d.Exclusive())
			return nil
		},
	}
}

// versionCmd creates the version command.
func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintln(c.App.Writer, Version)
			return err
		},
	}
}

// openDir loads the configuration and opens its storage directory.
func openDir(c *cli.Context) (*storage.Dir, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	log := newLogger(os.Stderr, cfg.LogLevel.Level())
	d, err := app.OpenStorage(cfg, storage.WithLogger(log))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return d, nil
}

func printEntries(w io.Writer, entries []storage.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSIZE\tCREATED\tNAME")
	for _, e := range entries {
		id, created := e.ID, "-"
		if id == "" {
			id = "-"
		}
		if !e.Created.IsZero() {
			created = e.Created.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", id, e.Kind, e.Size, created, e.Name)
	}
	return tw.Flush()
}

func printReport(w io.Writer, rep storage.Report, applied, exclusive bool) {
	fmt.Fprintf(w, "sealed:   %d\n", len(rep.Sealed))
	fmt.Fprintf(w, "uploaded: %d\n", rep.Uploaded)
	fmt.Fprintf(w, "orphans:  %d\n", rep.Orphans)
	fmt.Fprintf(w, "partials: %d\n", len(rep.Partials))
	for _, p := range rep.Sealed {
		fmt.Fprintf(w, "  pending upload  %s\n", p)
	}
	for _, p := range rep.Partials {
		if applied {
			fmt.Fprintf(w, "  partial handled %s\n", p)
		} else {
			fmt.Fprintf(w, "  partial         %s\n", p)
		}
	}
	for _, err := range rep.Unrecognised {
		fmt.Fprintf(w, "  warning: %v\n", err)
	}
	switch {
	case !exclusive:
		fmt.Fprintln(w, "a recorder is running in this directory; partial files may still be recording")
	case !applied && len(rep.Partials) > 0:
		fmt.Fprintln(w, "run with --apply to apply the partial policy")
	}
}
