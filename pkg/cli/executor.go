package cli

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/config"
	clog "github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
)

// Execute parses command-line flags into an *common.Options, opens the
// repository, and drives the REPL of spec.md §6.5 commands. Modeled on the
// teacher's flag.NewFlagSet → Options → flow-controller dispatch shape in
// golang-oc-mirror-refactor's cli.Execute.
func Execute() error {
	mainCmd := flag.NewFlagSet("vmifold", flag.ExitOnError)
	repoRoot := mainCmd.String("repo", "localRepository", "Repository root directory")
	logLevel := mainCmd.String("log-level", "info", "Log level one of (info, debug, trace, error)")
	quiet := mainCmd.Bool("quiet", false, "Skip inspect's main-service prompt")
	configPath := mainCmd.String("config", "vmifold.yaml", "Optional repository configuration file")
	mainCmd.Parse(os.Args[1:])

	opts := common.DefaultOptions(*repoRoot)
	opts.LogLevel = *logLevel
	opts.Quiet = *quiet

	if cfg, found, err := config.Load(*configPath); err != nil {
		return err
	} else if found {
		if cfg.RepoRoot != "" {
			opts.RepositoryRoot = cfg.RepoRoot
		}
		for distro, pkgs := range cfg.BasicPackages {
			opts.BasicPackages[distro] = pkgs
		}
	}

	log := clog.New(opts.LogLevel)
	isTerminal := term.IsTerminal(int(os.Stdin.Fd()))

	controller, err := NewReplController(opts, log)
	if err != nil {
		return err
	}
	defer controller.Close()

	args := mainCmd.Args()
	if len(args) > 0 {
		return controller.Dispatch(args)
	}

	if !isTerminal {
		return nil
	}

	reader := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("vmifold> ")
		if !reader.Scan() {
			return nil
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == cmdExit {
			return nil
		}
		start := time.Now()
		if err := controller.Dispatch(fields); err != nil {
			var verr *vmierr.Error
			if errors.As(err, &verr) && verr.Kind.Fatal() {
				return err
			}
			log.Error("%s", err.Error())
		}
		log.Debug("command time: %v", time.Since(start))
	}
}
