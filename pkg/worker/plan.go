package worker

import (
	"regexp"
	"strings"
)

// SubtaskSpec is a subtask requested by an approved plan.
type SubtaskSpec struct {
	Title  string
	Prompt string
	Agent  string // empty = any agent
}

// maxSubtasks caps fan-out from a single plan.
const maxSubtasks = 8

// taskTagRe matches [TASK:title|prompt|agent] tags. The agent field may be
// empty.
var taskTagRe = regexp.MustCompile(`\[TASK:([^|\]]+)\|([^|\]]+)\|([^\]]*)\]`)

func parseSubtasks(plan string) []SubtaskSpec {
	matches := taskTagRe.FindAllStringSubmatch(plan, -1)
	var subtasks []SubtaskSpec
	for _, m := range matches {
		title := strings.TrimSpace(m[1])
		if title == "" {
			continue
		}
		agent := strings.TrimSpace(m[3])
		if strings.EqualFold(agent, "any") {
			agent = ""
		}
		subtasks = append(subtasks, SubtaskSpec{
			Title:  title,
			Prompt: strings.TrimSpace(m[2]),
			Agent:  agent,
		})
		if len(subtasks) == maxSubtasks {
			break
		}
	}
	return subtasks
}
