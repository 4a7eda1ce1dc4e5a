package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warriorguo/privacyflow/types"
)

func newTaskRenderer() *taskRenderer {
	return &taskRenderer{&strings.Builder{}}
}

type taskRenderer struct {
	sb *strings.Builder
}

// taskComment is what a rendered node carries in its comment attribute.
type taskComment struct {
	ID             string                `json:"id"`
	Status         types.ExecutionStatus `json:"status"`
	ErrorContained bool                  `json:"error_contained,omitempty"`
	RowsMasked     int                   `json:"rows_masked,omitempty"`
	ConsentSent    bool                  `json:"consent_sent,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (d *taskRenderer) generateDOT(requestID string, action types.ActionType, tasks []*types.RequestTask) string {
	d.write("digraph D {")
	for _, task := range tasks {
		d.drawTask(task)
	}
	for _, task := range tasks {
		for _, down := range task.DownstreamTasks {
			d.write("%s -> %s", idString(task.CollectionAddress), idString(down))
		}
	}
	d.write("label=%s", quoteString(string(action)+" "+requestID))
	d.write("}")
	return d.sb.String()
}

func packToComment(task *types.RequestTask) string {
	s, _ := json.Marshal(&taskComment{
		ID:             task.ID,
		Status:         task.Status,
		ErrorContained: task.ErrorContained,
		RowsMasked:     task.RowsMasked,
		ConsentSent:    task.ConsentSent,
		UpdatedAt:      task.UpdatedAt,
	})
	return formatNL(addSlashes(string(s)))
}

func statusColor(task *types.RequestTask) string {
	switch task.Status {
	case types.StatusInProcessing, types.StatusRetrying:
		return "yellow"
	case types.StatusPaused:
		return "orange"
	case types.StatusSkipped:
		return "grey"
	case types.StatusError:
		if task.ErrorContained {
			return "pink"
		}
		return "red"
	case types.StatusComplete:
		return "green"
	}
	return "white"
}

func (d *taskRenderer) drawTask(task *types.RequestTask) {
	shape := "record"
	if task.IsRootTask() || task.IsTerminatorTask() {
		shape = "circle"
	}
	d.write("%s [label=%s shape=\"%s\" style=\"filled\" color=\"%s\" comment=\"%s\"]",
		idString(task.CollectionAddress), quoteString(task.CollectionAddress), shape, statusColor(task), packToComment(task))
}

func (d *taskRenderer) write(format string, s ...any) {
	d.sb.WriteString(fmt.Sprintf(format+"\n", s...))
}

var (
	slashesToken = []string{"\\", "\"", "'", " "}
)

func addSlashes(s string) string {
	for _, token := range slashesToken {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func formatNL(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func quoteString(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

var idleChars = []string{" ", "'", "\"", "(", ")", "*", "&", "^", "%", "$", "#", "@", "!", "?", "<", ">", "[", "]", "{", "}", ".", ":"}

func idString(s string) string {
	for _, ch := range idleChars {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return s
}
