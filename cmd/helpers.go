package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

// ConfirmAction uses the passed in actionText as the confirmation text
// displayed in the terminal. The user must enter Y or N to indicate whether
// they approve the action or not.
func ConfirmAction(actionText, deniedText string) (bool, error) {
	var confirmed bool
	reader := bufio.NewReader(os.Stdin)
	log.Warn(actionText)

	for {
		fmt.Print(">> ")

		line, _, err := reader.ReadLine()
		if err != nil {
			return false, err
		}
		trimmedLine := strings.TrimSpace(string(line))
		lineInput := strings.ToUpper(trimmedLine)
		if lineInput != "Y" && lineInput != "N" {
			log.Errorf("Invalid option of %s chosen, please only enter Y/N", line)
			continue
		}
		if lineInput == "Y" {
			confirmed = true
			break
		}
		log.Info(deniedText)
		break
	}

	return confirmed, nil
}

// LoadFlagsFromConfig sets flags values from config file if ConfigFileFlag is set.
func LoadFlagsFromConfig(cliCtx *cli.Context, flags []cli.Flag) error {
	if cliCtx.IsSet(ConfigFileFlag.Name) {
		if err := altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc(ConfigFileFlag.Name))(cliCtx); err != nil {
			return err
		}
	}
	return nil
}

// ValidateNoArgs insures that the application is not run with erroneous
// arguments or flags. Such as flags based on argument order, e.g.
// "--datadir data --force-clear-db".
func ValidateNoArgs(ctx *cli.Context) error {
	commandList := ctx.App.Commands
	isParamForFlag := false
	for _, a := range ctx.Args().Slice() {
		// We don't validate further if the following value is actually a
		// parameter for a flag.
		if isParamForFlag {
			isParamForFlag = false
			continue
		}
		if strings.HasPrefix(a, "-") {
			// In the event our flag doesn't specify the relevant argument
			// with an equal sign, we can assume the next argument is the
			// relevant value for the flag.
			flagName := strings.TrimPrefix(a, "--")
			flagName = strings.TrimPrefix(flagName, "-")
			for _, f := range ctx.App.Flags {
				for _, n := range f.Names() {
					if n == flagName {
						if !strings.Contains(a, "=") {
							isParamForFlag = true
						}
						break
					}
				}
			}
			continue
		}
		c := checkCommandList(commandList, a)
		if c == nil {
			return fmt.Errorf("unrecognized argument: %s", a)
		}
		// Continue the validation with the subcommands of the matched command.
		commandList = c.Subcommands
	}
	return nil
}

func checkCommandList(commands []*cli.Command, name string) *cli.Command {
	for _, c := range commands {
		if c.Name == name {
			return c
		}
	}
	return nil
}
