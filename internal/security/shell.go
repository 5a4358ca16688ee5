package security

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// describeShellConstructs parses raw as a shell program and names the first
// construct that would need a shell to run. An empty result means nothing
// shell-specific was found, or raw is not parseable as shell at all, and the
// caller falls back to character level validation.
func describeShellConstructs(raw string) string {
	parser := syntax.NewParser()
	file, parseError := parser.Parse(strings.NewReader(raw), "")
	if parseError != nil {
		return ""
	}
	if len(file.Stmts) > 1 {
		return "multiple commands are not allowed"
	}

	reason := ""
	syntax.Walk(file, func(node syntax.Node) bool {
		if reason != "" {
			return false
		}
		switch typedNode := node.(type) {
		case *syntax.Stmt:
			if typedNode.Background {
				reason = "background execution is not allowed"
			}
		case *syntax.Redirect:
			reason = "shell redirection is not allowed"
		case *syntax.Subshell:
			reason = "subshells are not allowed"
		case *syntax.CmdSubst:
			reason = "command substitution is not allowed"
		case *syntax.ParamExp:
			reason = "variable expansion is not allowed"
		case *syntax.BinaryCmd:
			switch typedNode.Op {
			case syntax.Pipe, syntax.PipeAll:
				reason = "pipelines are not allowed"
			default:
				reason = "command chaining is not allowed"
			}
		case *syntax.CallExpr:
			if len(typedNode.Assigns) > 0 {
				reason = "inline environment assignments are not allowed"
			}
		}
		return reason == ""
	})
	return reason
}
