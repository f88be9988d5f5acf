// Process isolation for kind handlers (spec.md §4.4 step 3, §9 "Process
// isolation for workers"): the external provider maintains address-space-
// local caches that would leak between jobs if handlers ran in-process,
// so each job runs in a short-lived child process re-invoking this same
// binary, the Go analogue of the original's multiprocessing.Process.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/qdatasvc/qdata-server/internal/fingerprint"
	"github.com/qdatasvc/qdata-server/internal/task"
)

// ChildModeFlag is the hidden flag cmd/qdata-server recognizes to run in
// child-job mode instead of starting the server.
const ChildModeFlag = "--internal-child"

// ChildJob is what the parent worker streams to the child's stdin.
type ChildJob struct {
	Kind        task.Kind             `json:"kind"`
	Args        json.RawMessage       `json:"args"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
}

// ChildResult is what the child streams back on stdout.
type ChildResult struct {
	Payload interface{} `json:"payload"`
	Status  task.Status `json:"status"`
	Detail  string      `json:"detail,omitempty"`
}

// SpawnChild executes job in a freshly spawned child process and returns
// its result. A crash or non-zero exit is converted to an INVALID result
// rather than propagated, matching handlers' must-not-hang-waiters
// contract (spec.md §4.4, §7 taxonomy item 2).
func SpawnChild(ctx context.Context, exePath string, job ChildJob) ChildResult {
	payload, err := json.Marshal(job)
	if err != nil {
		return ChildResult{Status: task.StatusInvalid, Detail: fmt.Sprintf("encode child job: %v", err)}
	}

	cmd := exec.CommandContext(ctx, exePath, ChildModeFlag)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return ChildResult{Status: task.StatusInvalid, Detail: fmt.Sprintf("child process failed: %v", err)}
	}

	var result ChildResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return ChildResult{Status: task.StatusInvalid, Detail: fmt.Sprintf("decode child result: %v", err)}
	}
	return result
}

// RunChild is the child-mode entry point: decode the job from stdin,
// execute the matching kind handler against a freshly constructed
// Provider, and write the result to stdout. Called from cmd/qdata-server
// when it is re-invoked with ChildModeFlag.
func RunChild(ctx context.Context, handlers KindHandlers, stdin []byte) ([]byte, error) {
	var job ChildJob
	if err := json.Unmarshal(stdin, &job); err != nil {
		return nil, fmt.Errorf("worker: decode child job: %w", err)
	}

	h, ok := handlers[job.Kind]
	if !ok {
		return json.Marshal(ChildResult{Status: task.StatusInvalid, Detail: fmt.Sprintf("no handler for kind %q", job.Kind)})
	}

	payload, status, detail := h(ctx, job.Args, job.Fingerprint)
	return json.Marshal(ChildResult{Payload: payload, Status: status, Detail: detail})
}
