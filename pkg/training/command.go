package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const maxLineLength = 64 * 1024

var errNoCommand = errors.New("no trainer command configured (training.command)")

// lineWriter splits a byte stream into lines and hands each to emit.
type lineWriter struct {
	mu     sync.Mutex
	buffer bytes.Buffer
	emit   func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer.Write(p)

	for {
		line, err := w.buffer.ReadBytes('\n')
		if err != nil {
			// keep the partial line for the next write
			if len(line) >= maxLineLength {
				w.emit(string(line))
			} else {
				w.buffer.Write(line)
			}

			break
		}

		w.emit(string(bytes.TrimRight(line, "\r\n")))
	}

	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buffer.Len() > 0 {
		w.emit(w.buffer.String())
		w.buffer.Reset()
	}
}

type trainerCommand struct {
	command []string
	env     []string
	dir     string
	output  func(stream, line string)
}

func launchTrainer(ctx context.Context, trainer trainerCommand) error {
	if len(trainer.command) == 0 {
		return errNoCommand
	}

	stdout := &lineWriter{emit: func(line string) { trainer.output(StreamStdout, line) }}
	stderr := &lineWriter{emit: func(line string) { trainer.output(StreamStderr, line) }}

	//nolint:gosec
	cmd := exec.CommandContext(ctx, trainer.command[0], trainer.command[1:]...)
	cmd.Dir = trainer.dir
	cmd.Env = append(os.Environ(), trainer.env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second //nolint:mnd
	cmd.Cancel = func() error {
		logrus.Debug("Sending termination signal to trainer")

		return terminate(cmd)
	}
	setNewProcessGroup(cmd)

	logrus.Debugf("Launching trainer: %v", cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("trainer could not launch: %w", err)
	}

	err := cmd.Wait()

	stdout.Flush()
	stderr.Flush()

	if err != nil {
		return fmt.Errorf("trainer exited with error: %w", err)
	}

	return nil
}
