package datarecording

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ExecTable is the table that describes the run.
const ExecTable = "exec_info"

const execTimeFormat = "2006-01-02 15:04:05.000000000"

// ExecInfo is one property of a run.
type ExecInfo struct {
	Property string
	Value    string
}

// ExecRecorder records how a program was started and when it ended.
type ExecRecorder struct {
	recorder DataRecorder
	entries  []ExecInfo
}

// NewExecRecorder creates the ExecTable in r.
func NewExecRecorder(r DataRecorder) *ExecRecorder {
	r.CreateTable(ExecTable, ExecInfo{})

	return &ExecRecorder{recorder: r}
}

// Start notes the start time, the command and the working directory.
func (e *ExecRecorder) Start() {
	e.Set("Start Time", time.Now().Format(execTimeFormat))
	e.Set("Command", strings.Join(os.Args, " "))

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}

	e.Set("Working Directory", cwd)
}

// Set notes a property of the run.
func (e *ExecRecorder) Set(property string, value any) {
	e.entries = append(e.entries, ExecInfo{property, fmt.Sprint(value)})
}

// End writes the properties along with the end time.
func (e *ExecRecorder) End() {
	e.Set("End Time", time.Now().Format(execTimeFormat))

	for _, entry := range e.entries {
		e.recorder.InsertData(ExecTable, entry)
	}

	e.entries = nil

	e.recorder.Flush()
}
