// Command organizer is the thin CLI wrapper over the chain organizer
// core: it only parses flags and calls supervisor.New(...).Run(), per
// spec §6's "CLI surface, out of scope" — the commands below exist to
// load settings and drive the Supervisor's lifecycle, not to implement
// node behavior themselves.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/chainkeeper/organizer/build"
	"github.com/chainkeeper/organizer/clock"
	"github.com/chainkeeper/organizer/lncfg"
	"github.com/chainkeeper/organizer/netio"
	"github.com/chainkeeper/organizer/settings"
	"github.com/chainkeeper/organizer/signal"
	"github.com/chainkeeper/organizer/snapshotchaser"
	"github.com/chainkeeper/organizer/store"
	"github.com/chainkeeper/organizer/supervisor"
)

type versionCmd struct{}

func (c *versionCmd) Execute(_ []string) error {
	fmt.Println("organizer version", build.Version)

	return nil
}

type settingsCmd struct {
	settings.Options
}

func (c *settingsCmd) Execute(_ []string) error {
	s, err := settings.Parse(&c.Options, nil)
	if err != nil {
		return err
	}

	fmt.Printf("%+v\n", s)

	return nil
}

type initchainCmd struct {
	settings.Options
}

// Execute validates and parses the settings and prints the top configured
// checkpoint height (-1 when none is configured) and the headers-first
// selector, without starting the Supervisor. The milestone is parsed but
// not reported.
func (c *initchainCmd) Execute(_ []string) error {
	if err := c.Options.Validate(); err != nil {
		return err
	}

	s, err := settings.Parse(&c.Options, nil)
	if err != nil {
		return err
	}

	fmt.Printf("top checkpoint height: %d\n", s.TopCheckpointHeight())
	fmt.Printf("headers-first: %v\n", s.HeadersFirst)

	return nil
}

type runCmd struct {
	settings.Options

	CheckOutstandingBound int `long:"checkbound" description:"Outstanding Check chaser download bound." default:"1024"`
}

func (c *runCmd) Execute(_ []string) error {
	if err := c.Options.Validate(); err != nil {
		return err
	}

	s, err := settings.Parse(&c.Options, nil)
	if err != nil {
		return err
	}

	fatal := func(format string, params ...interface{}) {
		fmt.Fprintf(os.Stderr, format+"\n", params...)
		signal.RequestShutdown()
	}

	sup := supervisor.New(supervisor.Config{
		Store:      store.NewMemory(),
		Network:    netio.NewMock(),
		Settings:   s,
		Clock:      clock.NewDefaultClock(),
		Snapshot:   snapshotchaser.DefaultConfig(fatal),
		CheckBound: c.CheckOutstandingBound,
		Workers:    c.Options.Workers,
	})

	if err := sup.Start(); err != nil {
		return err
	}
	defer sup.Close()

	if err := sup.Run(); err != nil {
		return err
	}

	<-signal.ShutdownChannel()

	return nil
}

func main() {
	parser := flags.NewParser(&struct{}{}, flags.Default)

	if _, err := parser.AddCommand(
		"version", "Show version", "Show the organizer version.", &versionCmd{},
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.AddCommand(
		"settings", "Parse and print settings", "Parse the given settings flags and print the resolved Settings.",
		&settingsCmd{},
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.AddCommand(
		"initchain", "Validate settings against genesis", "Validate the configured checkpoints/milestone and report the top checkpoint height.",
		&initchainCmd{},
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.AddCommand(
		"run", "Run the organizer node", "Start the Supervisor and block until shutdown.", &runCmd{},
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var _ lncfg.Validator = (*settings.Options)(nil)
