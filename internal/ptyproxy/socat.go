package ptyproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// socat -d -d logs "N PTY is /dev/pts/X" once per address; the first is
// the link side, the second the remote endpoint
var ptyLine = regexp.MustCompile(`PTY is (\S+)`)

const socatStopTimeout = 3 * time.Second

type socatBridge struct {
	cmd     *exec.Cmd
	remote  string
	exited  chan struct{}
	exitErr error
}

func socatArgs(linkPath string) []string {
	return []string{
		"-d", "-d",
		fmt.Sprintf("pty,raw,echo=0,link=%s", linkPath),
		"pty,raw,echo=0",
	}
}

// parsePTYLines reads socat's stderr until it has seen two PTY lines and
// returns the second. Every line read is appended to seen.
func parsePTYLines(r *bufio.Scanner, seen *strings.Builder) (string, error) {
	var ptys []string
	for r.Scan() {
		line := r.Text()
		seen.WriteString(line)
		seen.WriteByte('\n')
		if m := ptyLine.FindStringSubmatch(line); m != nil {
			ptys = append(ptys, m[1])
			if len(ptys) == 2 {
				return ptys[1], nil
			}
		}
	}
	if err := r.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

func startSocat(ctx context.Context, socatPath, linkPath string, logger zerolog.Logger) (*socatBridge, error) {
	if _, err := exec.LookPath(socatPath); err != nil {
		return nil, &SpawnError{Backend: BackendSocat, Err: err}
	}

	// an os.Pipe rather than StderrPipe: the drain goroutine outlives Wait
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Backend: BackendSocat, Err: err}
	}
	cmd := exec.Command(socatPath, socatArgs(linkPath)...)
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		stderr.Close()
		stderrW.Close()
		return nil, &SpawnError{Backend: BackendSocat, Err: err}
	}
	stderrW.Close()

	b := &socatBridge{cmd: cmd, exited: make(chan struct{})}

	type parsed struct {
		remote string
		err    error
	}
	scanner := bufio.NewScanner(stderr)
	var output strings.Builder
	result := make(chan parsed, 1)
	go func() {
		remote, err := parsePTYLines(scanner, &output)
		result <- parsed{remote, err}
		// keep draining so socat never blocks on a full pipe
		for scanner.Scan() {
			logger.Debug().Str("line", scanner.Text()).Msg("socat")
		}
		stderr.Close()
	}()

	go func() {
		b.exitErr = cmd.Wait()
		close(b.exited)
	}()

	select {
	case p := <-result:
		if p.err != nil {
			b.kill()
			return nil, &SpawnError{Backend: BackendSocat, Err: p.err, Output: strings.TrimSpace(output.String())}
		}
		b.remote = p.remote
		return b, nil
	case <-ctx.Done():
		b.kill()
		return nil, &SpawnError{Backend: BackendSocat, Err: ctx.Err()}
	}
}

func (b *socatBridge) kill() {
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	<-b.exited
}

func (b *socatBridge) endpoint() string { return b.remote }

func (b *socatBridge) pid() int {
	if b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

func (b *socatBridge) done() <-chan struct{} { return b.exited }

func (b *socatBridge) err() error {
	select {
	case <-b.exited:
		if b.exitErr == nil {
			return errors.New("socat exited")
		}
		return b.exitErr
	default:
		return nil
	}
}

func (b *socatBridge) stop() error {
	select {
	case <-b.exited:
		return nil
	default:
	}

	// socat removes its link on SIGTERM
	if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		b.kill()
		return nil
	}
	select {
	case <-b.exited:
	case <-time.After(socatStopTimeout):
		b.kill()
	}
	return nil
}
