package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

// shellTruncationNotice is appended once when output exceeds the cap.
const shellTruncationNotice = "\n[Output truncated at 100KB]"

// killGrace is how long SIGTERM gets before SIGKILL.
const killGrace = 5 * time.Second

var errBusy = errors.New("session is busy")

// shellRun tracks output accounting for one shell command; guarded by the
// session lock.
type shellRun struct {
	written   int
	truncated bool
}

// handleShell executes `!<command>` in the session's working directory,
// streaming output into a card.
func (o *Orchestrator) handleShell(ctx context.Context, msg lark.InboundMessage, cmdline string) {
	if cmdline == "" {
		o.replyText(ctx, msg.MessageID, "Usage: !<command>")
		return
	}

	sess, err := o.resolveSession(ctx, msg)
	if err != nil {
		o.log.Error("resolving session", "chat_id", msg.ChatID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to look up the session. Please try again.")
		return
	}
	if sess == nil {
		o.replyText(ctx, msg.MessageID, msgNoSession)
		return
	}
	if sess.Status == store.StatusRunning {
		o.replyText(ctx, msg.MessageID, msgAgentBusy)
		return
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Shell.Timeout)
	defer cancel()

	var active *ActiveSession
	var startErr error
	o.withSessionLock(sess.ID, func() {
		active, startErr = o.ensureActive(ctx, *sess)
		if startErr != nil {
			return
		}
		if active.Card != nil || active.shellCancel != nil {
			startErr = errBusy
			return
		}
		startErr = o.openCard(ctx, active, msg.MessageID)
		if startErr != nil {
			return
		}
		active.shellCancel = cancel
		o.appendCardTextRaw(ctx, active, "```\n")
	})
	if errors.Is(startErr, errBusy) {
		o.replyText(ctx, msg.MessageID, msgAgentBusy)
		return
	}
	if startErr != nil {
		o.log.Error("shell start failed", "session_id", sess.ID, "error", startErr)
		o.replyText(ctx, msg.MessageID, "Failed to run the command: "+startErr.Error())
		return
	}

	o.runShell(runCtx, active, sess.WorkingDir, cmdline)
}

// runShell spawns the command and pumps its output into the card.
func (o *Orchestrator) runShell(ctx context.Context, a *ActiveSession, workingDir, cmdline string) {
	endCtx := context.Background()
	start := time.Now()

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = workingDir
	// Own process group so SIGTERM reaches the whole pipeline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
			if err == nil {
				run := &shellRun{}
				var pumps errgroup.Group
				pumps.Go(func() error { return o.pumpShellOutput(a, run, stdout) })
				pumps.Go(func() error { return o.pumpShellOutput(a, run, stderr) })

				waitErr := make(chan error, 1)
				go func() {
					_ = pumps.Wait()
					waitErr <- cmd.Wait()
				}()

				var wErr error
				select {
				case wErr = <-waitErr:
				case <-ctx.Done():
					pgid := cmd.Process.Pid
					_ = unix.Kill(-pgid, unix.SIGTERM)
					select {
					case wErr = <-waitErr:
					case <-time.After(killGrace):
						_ = unix.Kill(-pgid, unix.SIGKILL)
						wErr = <-waitErr
					}
				}
				o.finishShell(endCtx, a, start, wErr)
				return
			}
		}
	}

	o.log.Error("shell spawn failed", "session_id", a.ID, "error", err)
	o.withSessionLock(a.ID, func() {
		a.shellCancel = nil
		o.appendCardTextRaw(endCtx, a, err.Error()+"\n```")
		o.closeCard(endCtx, a, "Failed to start")
	})
}

// pumpShellOutput copies one stream into the card, ANSI-stripped and capped.
func (o *Orchestrator) pumpShellOutput(a *ActiveSession, run *shellRun, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := ansi.Strip(string(buf[:n]))
			o.withSessionLock(a.ID, func() {
				o.appendShellChunk(a, run, chunk)
			})
		}
		if err != nil {
			return nil
		}
	}
}

// appendShellChunk enforces the output cap with a single truncation notice.
// Caller holds the session lock.
func (o *Orchestrator) appendShellChunk(a *ActiveSession, run *shellRun, chunk string) {
	if run.truncated {
		return
	}
	limit := o.cfg.Shell.MaxOutputBytes
	if run.written+len(chunk) > limit {
		chunk = chunk[:limit-run.written]
		run.truncated = true
	}
	run.written += len(chunk)
	ctx := context.Background()
	o.appendCardTextRaw(ctx, a, chunk)
	if run.truncated {
		o.appendCardTextRaw(ctx, a, shellTruncationNotice)
	}
}

// finishShell closes the code block, renders the outcome footer and closes
// the card.
func (o *Orchestrator) finishShell(ctx context.Context, a *ActiveSession, start time.Time, waitErr error) {
	seconds := int(time.Since(start).Seconds())
	footer, summary := shellOutcome(seconds, waitErr)

	o.withSessionLock(a.ID, func() {
		a.shellCancel = nil
		c := a.Card
		if c == nil {
			return
		}
		o.appendCardTextRaw(ctx, a, "\n```")
		o.forceFlush(ctx, a)
		finalizeActiveElement(c)

		c.elementCounter++
		footerID := fmt.Sprintf("md_%d", c.elementCounter)
		seq := a.nextSequence(c.cardID)
		if err := o.messenger.AddCardElements(ctx, c.cardID, lark.InsertBefore, lark.ProcessingElementID,
			lark.ElementsJSON(lark.MarkdownElement(footerID, footer)), seq); err != nil {
			o.log.Warn("adding shell footer failed", "card_id", c.cardID, "error", err)
		}
		o.closeCard(ctx, a, summary)
	})
}

// shellOutcome renders the footer line and card summary for an exit state.
func shellOutcome(seconds int, waitErr error) (footer, summary string) {
	if waitErr == nil {
		return fmt.Sprintf("<font color=\"green\">%ds · Exit: 0</font>", seconds),
			"Completed successfully"
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			name := unix.SignalName(unix.Signal(ws.Signal()))
			return fmt.Sprintf("<font color=\"orange\">%ds · Signal: %s</font>", seconds, name),
				fmt.Sprintf("Terminated (%s)", name)
		}
		code := exitErr.ExitCode()
		return fmt.Sprintf("<font color=\"red\">%ds · Exit: %d</font>", seconds, code),
			fmt.Sprintf("Failed (exit %d)", code)
	}

	return fmt.Sprintf("<font color=\"red\">%ds · Exit: ?</font>", seconds), "Failed"
}
