package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"

	"github.com/gobby-dev/gobby/internal/gobbylog"
)

// cliCommands maps a CLI family to the canonical invocation for a
// chained continuation session. The rendered handoff goes in as the
// system prompt, the task prompt as the positional argument.
var cliCommands = map[string]func(prompt, systemPrompt string) (string, []string){
	"claude_code": func(prompt, systemPrompt string) (string, []string) {
		return "claude", []string{"--append-system-prompt", systemPrompt, "-p", prompt}
	},
	"gemini": func(prompt, systemPrompt string) (string, []string) {
		return "gemini", []string{"--system", systemPrompt, "-p", prompt}
	},
	"codex": func(prompt, systemPrompt string) (string, []string) {
		return "codex", []string{"exec", prompt}
	},
}

// processSpawner launches detached CLI child processes for session
// chaining: new session group, stdio to /dev/null, cwd inherited from
// the parent session. The pid is logged and the child is reaped here;
// the pid is not stored, so the lifecycle manager does not observe the
// child's exit. The child's own session_start hook is what activates
// the next session's workflow.
type processSpawner struct {
	log *gobbylog.Logger
}

func (s *processSpawner) Spawn(ctx context.Context, cli, prompt, systemPrompt, workingDir string) (string, error) {
	build, ok := cliCommands[cli]
	if !ok {
		return "", fmt.Errorf("no spawn recipe for CLI family %q", cli)
	}
	name, args := build(prompt, systemPrompt)

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return "", err
	}
	defer devnull.Close()

	cmd := exec.Command(name, args...)
	cmd.Dir = workingDir
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return "", err
	}
	pid := cmd.Process.Pid
	// Reap the child from a goroutine so it never zombies; the daemon
	// does not block on it.
	go func() { _ = cmd.Wait() }()

	sessionID := "chained-" + uuid.NewString()
	s.log.Info("spawned %s continuation (pid %d) as session %s", cli, pid, sessionID)
	return sessionID, nil
}
