package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command for accountsctl. Every
// subcommand opens its services through open and writes results to out.
func NewRootCommand(open Opener, out io.Writer, logger *logrus.Logger) *Command {
	env := &environment{open: open, out: out, logger: logger}
	root := &Command{
		Name:        "accountsctl",
		Description: "Operator tool for the accounts service",
		Subcommands: make(map[string]*Command),
	}

	root.Subcommands["migrate"] = newMigrateCommand(env)
	root.Subcommands["create-client"] = newCreateClientCommand(env)
	root.Subcommands["disable-client"] = newDisableClientCommand(env)
	root.Subcommands["create-organization"] = newCreateOrganizationCommand(env)
	root.Subcommands["sweep"] = newSweepCommand(env)
	root.Subcommands["migrate-legacy-role"] = newMigrateLegacyRoleCommand(env)
	root.Subcommands["bootstrap-admin"] = newBootstrapAdminCommand(env)

	root.Run = func(ctx context.Context, args []string) error {
		root.usage(out)
		return nil
	}
	return root
}

// Execute dispatches args (without the program name) to a subcommand
func (c *Command) Execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return c.Run(ctx, nil)
	}

	if strings.EqualFold(args[0], "-h") || strings.EqualFold(args[0], "--help") || args[0] == "help" {
		c.usage(out)
		return nil
	}

	cmd, ok := c.Subcommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return cmd.Run(ctx, args[1:])
}

func (c *Command) usage(out io.Writer) {
	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintln(out, "Commands:")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-20s %s\n", name, c.Subcommands[name].Description)
	}
}

// parseFlags parses args and reports -h as a nil error after printing the
// flag defaults
func parseFlags(fs *flag.FlagSet, args []string, out io.Writer) (bool, error) {
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
