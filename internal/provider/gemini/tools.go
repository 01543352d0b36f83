package gemini

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/genai"

	"taskdeck/internal/interceptor"
)

// Tool names exposed to the model. The question and shell tools carry the
// names the interceptor keys on.
const (
	toolBash      = interceptor.ShellTool
	toolAskUser   = interceptor.QuestionTool
	toolReadFile  = "read_file"
	toolWriteFile = "write_file"
)

const (
	bashTimeout   = 5 * time.Minute
	maxToolOutput = 64 * 1024
)

// toolDeclarations is the function surface handed to every query.
func toolDeclarations() []*genai.Tool {
	return []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        toolBash,
				Description: "Run a shell command in the working directory and return its combined output.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"command": {Type: genai.TypeString, Description: "The shell command to run."},
					},
					Required: []string{"command"},
				},
			},
			{
				Name:        toolReadFile,
				Description: "Read a file relative to the working directory.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"path": {Type: genai.TypeString},
					},
					Required: []string{"path"},
				},
			},
			{
				Name:        toolWriteFile,
				Description: "Write content to a file relative to the working directory, creating parent directories as needed.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"path":    {Type: genai.TypeString},
						"content": {Type: genai.TypeString},
					},
					Required: []string{"path", "content"},
				},
			},
			{
				Name:        toolAskUser,
				Description: "Ask the user one or more structured questions and wait for their answers. Use this when you need a decision you cannot make yourself.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"questions": {
							Type: genai.TypeArray,
							Items: &genai.Schema{
								Type: genai.TypeObject,
								Properties: map[string]*genai.Schema{
									"id":      {Type: genai.TypeString},
									"text":    {Type: genai.TypeString},
									"options": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
								},
								Required: []string{"text"},
							},
						},
					},
					Required: []string{"questions"},
				},
			},
		},
	}}
}

// executor runs tool calls locally for one query.
type executor struct {
	workdir    string
	checkpoint func() string
	snapshots  *snapshotLog
}

// run executes a tool call whose input already passed the interceptor.
// Errors are returned as tool output for the model, never as stream
// failures.
func (e *executor) run(ctx context.Context, name string, input map[string]interface{}) (string, bool) {
	switch name {
	case toolBash:
		return e.runBash(ctx, input)
	case toolReadFile:
		return e.readFile(input)
	case toolWriteFile:
		return e.writeFile(input)
	case toolAskUser:
		// The interceptor already collected the answers; relay them.
		answers, _ := input["answers"].(map[string]string)
		if len(answers) == 0 {
			return "no answers provided", true
		}
		var b strings.Builder
		for id, answer := range answers {
			fmt.Fprintf(&b, "%s: %s\n", id, answer)
		}
		return b.String(), false
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func (e *executor) runBash(ctx context.Context, input map[string]interface{}) (string, bool) {
	command, _ := input["command"].(string)
	if command == "" {
		return "missing command", true
	}
	ctx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.workdir
	out, err := cmd.CombinedOutput()
	text := truncate(string(out))
	if err != nil {
		return fmt.Sprintf("%s\n(exit: %v)", text, err), true
	}
	return text, false
}

func (e *executor) readFile(input map[string]interface{}) (string, bool) {
	path, ok := e.resolve(input)
	if !ok {
		return "path escapes the working directory", true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err.Error(), true
	}
	return truncate(string(data)), false
}

func (e *executor) writeFile(input map[string]interface{}) (string, bool) {
	path, ok := e.resolve(input)
	if !ok {
		return "path escapes the working directory", true
	}
	content, _ := input["content"].(string)

	// Snapshot before mutating so the active checkpoint can revert.
	e.snapshots.capture(e.checkpoint(), path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err.Error(), true
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false
}

// resolve joins the tool's path argument onto the workdir and rejects
// escapes above it.
func (e *executor) resolve(input map[string]interface{}) (string, bool) {
	rel, _ := input["path"].(string)
	if rel == "" {
		return "", false
	}
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.workdir, rel)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, filepath.Clean(e.workdir)+string(filepath.Separator)) &&
		path != filepath.Clean(e.workdir) {
		return "", false
	}
	return path, true
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}
