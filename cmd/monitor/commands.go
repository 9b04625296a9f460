package main

import (
	"fmt"
	"strings"

	"dealcoord/internal/domain"
)

// command is one line typed into the monitor's command bar.
type command struct {
	verb   string
	target string
	actor  string
	note   string
}

const commandHelp = "approve|reject <workflow> <approver> [comment] | resolve|investigate|accept|false-positive <flag> <actor> [notes] | sweep <name> | agent <name> | case <id>"

var flagVerbs = map[string]domain.FlagStatus{
	"resolve":        domain.FlagResolved,
	"investigate":    domain.FlagInvestigating,
	"mitigate":       domain.FlagMitigated,
	"accept":         domain.FlagAccepted,
	"false-positive": domain.FlagFalsePositive,
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	cmd := command{verb: strings.ToLower(fields[0])}
	switch {
	case cmd.verb == "approve" || cmd.verb == "reject":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("usage: %s <workflow> <approver> [comment]", cmd.verb)
		}
	case flagVerbs[cmd.verb] != "":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("usage: %s <flag> <actor> [notes]", cmd.verb)
		}
	case cmd.verb == "sweep" || cmd.verb == "agent" || cmd.verb == "case":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: %s <name>", cmd.verb)
		}
	default:
		return command{}, fmt.Errorf("unknown command %q (%s)", cmd.verb, commandHelp)
	}
	cmd.target = fields[1]
	if len(fields) > 2 {
		cmd.actor = fields[2]
	}
	if len(fields) > 3 {
		cmd.note = strings.Join(fields[3:], " ")
	}
	return cmd, nil
}

// expandID resolves a short id prefix against the ids currently on screen.
func expandID(prefix string, ids []string) string {
	var match string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return prefix
			}
			match = id
		}
	}
	if match == "" {
		return prefix
	}
	return match
}
