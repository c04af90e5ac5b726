package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Op names a document operation a job runs.
type Op string

const (
	OpCompress     Op = "compress"
	OpMerge        Op = "merge"
	OpSplit        Op = "split"
	OpProtect      Op = "protect"
	OpUnprotect    Op = "unprotect"
	OpExportImages Op = "export_images"
)

// ParseOp accepts an operation name in any case.
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpCompress, OpMerge, OpSplit, OpProtect, OpUnprotect, OpExportImages:
		return op, nil
	}
	return "", &ValidationError{Message: fmt.Sprintf("unknown op %q", s)}
}

// Inputs is how many documents op reads.
func (op Op) Inputs() int {
	if op == OpMerge {
		return 2
	}
	return 1
}

// ContentType of the op's result.
func (op Op) ContentType() string {
	if op == OpExportImages {
		return "application/zip"
	}
	return "application/pdf"
}

// Job is the queue payload. Document bytes live in blob storage under
// storage.InputKey(ID, n).
type Job struct {
	ID        string    `json:"job_id"`
	Op        Op        `json:"op"`
	Quality   string    `json:"quality,omitempty"`
	Range     string    `json:"range,omitempty"`
	Password  string    `json:"password,omitempty"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

func (j Job) Validate() error {
	if j.ID == "" {
		return &ValidationError{Message: "missing job_id"}
	}
	if _, err := ParseOp(string(j.Op)); err != nil {
		return err
	}
	switch j.Op {
	case OpSplit:
		if strings.TrimSpace(j.Range) == "" {
			return &ValidationError{Message: "split needs a page range"}
		}
	case OpProtect, OpUnprotect:
		if j.Password == "" {
			return &ValidationError{Message: string(j.Op) + " needs a password"}
		}
	}
	return nil
}

// Redacted is j without its password, for payloads kept after the job ends.
func (j Job) Redacted() Job {
	if j.Password != "" {
		j.Password = "[redacted]"
	}
	return j
}

func (j Job) Marshal() []byte {
	b, _ := json.Marshal(j)
	return b
}

func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, &ValidationError{Message: "malformed job payload: " + err.Error()}
	}
	return j, j.Validate()
}
