package security

import (
	"fmt"
	"strings"
)

// SafeCommand is the only shape of command the supervisor will ever execute.
// It is passed to the OS as an argv vector and never through a shell.
type SafeCommand struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args"`
}

// CommandError reports why a command was rejected.
type CommandError struct {
	Command string
	Reason  string
}

func (commandError *CommandError) Error() string {
	if commandError.Command == "" {
		return "unsafe command: " + commandError.Reason
	}
	return fmt.Sprintf("unsafe command %q: %s", commandError.Command, commandError.Reason)
}

var allowedBinaries = map[string]bool{
	"npm":  true,
	"npx":  true,
	"pnpm": true,
	"yarn": true,
	"bun":  true,
	"bunx": true,
	"node": true,
}

var packageManagerBinaries = map[string]bool{
	"npm":  true,
	"pnpm": true,
	"yarn": true,
	"bun":  true,
}

// forbiddenCharacters covers shell metacharacters plus whitespace, which can
// never appear inside a single argv element that round-trips through String.
const forbiddenCharacters = ";|&><$`\n\r\\ \t"

var deniedWords = map[string]bool{
	"sh":         true,
	"bash":       true,
	"zsh":        true,
	"fish":       true,
	"dash":       true,
	"ksh":        true,
	"csh":        true,
	"tcsh":       true,
	"cmd":        true,
	"powershell": true,
	"pwsh":       true,
	"curl":       true,
	"wget":       true,
	"rm":         true,
	"rmdir":      true,
	"sudo":       true,
	"su":         true,
	"doas":       true,
	"chmod":      true,
	"chown":      true,
	"dd":         true,
	"mkfs":       true,
	"eval":       true,
	"nc":         true,
	"netcat":     true,
	"ssh":        true,
	"scp":        true,
	"kill":       true,
	"killall":    true,
	"shutdown":   true,
	"reboot":     true,
}

var managerSubcommands = map[string]bool{
	"install":   true,
	"i":         true,
	"ci":        true,
	"add":       true,
	"remove":    true,
	"uninstall": true,
	"update":    true,
	"upgrade":   true,
	"up":        true,
	"audit":     true,
	"exec":      true,
	"dlx":       true,
	"x":         true,
	"create":    true,
	"init":      true,
	"publish":   true,
	"pack":      true,
	"link":      true,
	"unlink":    true,
	"outdated":  true,
	"list":      true,
	"ls":        true,
	"why":       true,
	"config":    true,
	"cache":     true,
	"prune":     true,
	"rebuild":   true,
	"dedupe":    true,
	"version":   true,
}

// IsPackageManager reports whether binary is one of the supported package managers.
func IsPackageManager(binary string) bool {
	return packageManagerBinaries[binary]
}

// ValidateCommand returns nil when the command is safe to spawn.
func ValidateCommand(command SafeCommand) error {
	if !allowedBinaries[command.Binary] {
		return &CommandError{Command: command.String(), Reason: fmt.Sprintf("binary %q is not allowed", command.Binary)}
	}
	for index, argument := range command.Args {
		if argument == "" {
			return &CommandError{Command: command.String(), Reason: fmt.Sprintf("argument %d is empty", index)}
		}
		if position := strings.IndexAny(argument, forbiddenCharacters); position >= 0 {
			return &CommandError{
				Command: command.String(),
				Reason:  fmt.Sprintf("argument %q contains forbidden character %q", argument, argument[position]),
			}
		}
		if deniedWords[strings.ToLower(argument)] {
			return &CommandError{Command: command.String(), Reason: fmt.Sprintf("argument %q is a denied word", argument)}
		}
	}
	return nil
}

// ParseCommandString splits raw on whitespace into a validated SafeCommand.
// The result is never handed to a shell.
func ParseCommandString(raw string) (SafeCommand, error) {
	normalizedCommand := strings.TrimSpace(raw)
	if normalizedCommand == "" {
		return SafeCommand{}, &CommandError{Reason: "empty command"}
	}
	if shellReason := describeShellConstructs(normalizedCommand); shellReason != "" {
		return SafeCommand{}, &CommandError{Command: normalizedCommand, Reason: shellReason}
	}

	fields := strings.Fields(normalizedCommand)
	command := SafeCommand{Binary: fields[0], Args: append([]string{}, fields[1:]...)}
	if validationError := ValidateCommand(command); validationError != nil {
		return SafeCommand{}, validationError
	}
	return command, nil
}

// String renders the command with single spaces. For a valid command,
// ParseCommandString(command.String()) yields the same command.
func (command SafeCommand) String() string {
	if len(command.Args) == 0 {
		return command.Binary
	}
	return command.Binary + " " + strings.Join(command.Args, " ")
}

func (command SafeCommand) Equal(other SafeCommand) bool {
	if command.Binary != other.Binary || len(command.Args) != len(other.Args) {
		return false
	}
	for index := range command.Args {
		if command.Args[index] != other.Args[index] {
			return false
		}
	}
	return true
}

func (command SafeCommand) IsZero() bool {
	return command.Binary == "" && len(command.Args) == 0
}

// ExtractScriptName returns the package script a command runs, or "" when
// the command does not reference one.
//
// Recognized forms are "<pm> run <script>", "<pm> run-script <script>" and
// the bare "<pm> <script>", where bare manager subcommands such as install
// are not scripts.
func ExtractScriptName(command SafeCommand) string {
	if !packageManagerBinaries[command.Binary] || len(command.Args) == 0 {
		return ""
	}

	first := command.Args[0]
	if first == "run" || first == "run-script" {
		for _, argument := range command.Args[1:] {
			if argument == "--" {
				return ""
			}
			if strings.HasPrefix(argument, "-") {
				continue
			}
			return argument
		}
		return ""
	}
	if strings.HasPrefix(first, "-") || managerSubcommands[first] {
		return ""
	}
	return first
}

// ValidatePort rejects ports outside the TCP range.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return &CommandError{Reason: fmt.Sprintf("port %d is out of range", port)}
	}
	return nil
}
