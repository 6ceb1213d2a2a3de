// Package main defines the entire runtime of a PISA watchtower: an
// accountable third party that watches a channel dispute contract on behalf
// of its customers and responds when a dispute they paid for fires on chain.
package main

import (
	"fmt"
	"os"
	"runtime"
	runtimeDebug "runtime/debug"

	"github.com/PISAresearch/pisa/cmd"
	"github.com/PISAresearch/pisa/cmd/watchtower/flags"
	"github.com/PISAresearch/pisa/io/logs"
	"github.com/PISAresearch/pisa/runtime/version"
	"github.com/PISAresearch/pisa/tower/node"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.HTTPWeb3ProviderFlag,
	flags.TowerContractFlag,
	flags.ResponderKeyFlag,
	flags.ResponderKeyFileFlag,
	flags.RPCHost,
	flags.RPCPort,
	flags.RPCCorsDomain,
	flags.MonitoringPortFlag,
	flags.ClientStatsAPIURLFlag,
	flags.ScrapeIntervalFlag,
	cmd.VerbosityFlag,
	cmd.DataDirFlag,
	cmd.MinimalConfigFlag,
	cmd.EnableTracingFlag,
	cmd.TracingProcessNameFlag,
	cmd.TracingEndpointFlag,
	cmd.TraceSampleFractionFlag,
	cmd.MonitoringHostFlag,
	cmd.DisableMonitoringFlag,
	cmd.EnableBackupWebhookFlag,
	cmd.BackupWebhookOutputDir,
	cmd.MaxGoroutines,
	cmd.ForceClearDB,
	cmd.ClearDB,
	cmd.LogFormat,
	cmd.LogFileName,
	cmd.ConfigFileFlag,
	cmd.ChainConfigFileFlag,
}

func init() {
	appFlags = cmd.WrapFlags(appFlags)
}

func main() {
	app := cli.App{}
	app.Name = "watchtower"
	app.Usage = "this is a PISA watchtower implementation for channel dispute monitoring"
	app.Action = startNode
	app.Version = version.Version()
	app.Flags = appFlags

	app.Before = func(ctx *cli.Context) error {
		// Load flags from config file, if specified.
		if err := cmd.LoadFlagsFromConfig(ctx, app.Flags); err != nil {
			return err
		}

		format := ctx.String(cmd.LogFormat.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as gibberish in the log files.
			formatter.DisableColors = ctx.String(cmd.LogFileName.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			f := joonix.NewFormatter()
			if err := joonix.DisableTimestampFormat(f); err != nil {
				panic(err)
			}
			logrus.SetFormatter(f)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		logFileName := ctx.String(cmd.LogFileName.Name)
		if logFileName != "" {
			if err := logs.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configuring logging to disk.")
			}
		}

		runtime.GOMAXPROCS(runtime.NumCPU())
		return cmd.ValidateNoArgs(ctx)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(runtimeDebug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
	}
}

func startNode(ctx *cli.Context) error {
	verbosity := ctx.String(cmd.VerbosityFlag.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	watchtower, err := node.New(ctx)
	if err != nil {
		return err
	}
	watchtower.Start()
	return nil
}
