// Package dispatch turns issue comments into engine invocations: command
// parsing, commenter filtering, and org-membership authorization.
package dispatch

import "strings"

// Command is a recognized bot instruction.
type Command int

const (
	// CommandNone means the comment is not addressed to the bot.
	CommandNone Command = iota
	CommandMerge
	CommandMergeForce
	CommandCancel
	CommandRebase
)

func (c Command) String() string {
	switch c {
	case CommandMerge:
		return "merge"
	case CommandMergeForce:
		return "merge force"
	case CommandCancel:
		return "merge cancel"
	case CommandRebase:
		return "rebase"
	default:
		return "none"
	}
}

// ParseCommand matches a comment body against the command set. The whole
// trimmed body must be the command; a command buried in prose does not
// count. Matching is case-insensitive.
func ParseCommand(body string) Command {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "bot merge":
		return CommandMerge
	case "bot merge force":
		return CommandMergeForce
	case "bot merge cancel":
		return CommandCancel
	case "bot rebase":
		return CommandRebase
	default:
		return CommandNone
	}
}
