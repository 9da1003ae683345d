package ptyproxy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// nativeBridge is the in-process equivalent of the socat command line:
// two PTY pairs whose masters are copied into each other. Both slaves stay
// open here so the masters never see EIO when no client is attached.
type nativeBridge struct {
	linkPath string
	logger   zerolog.Logger

	localMaster, localSlave   *os.File
	remoteMaster, remoteSlave *os.File

	closeOnce sync.Once
	exited    chan struct{}
	mu        sync.Mutex
	exitErr   error
}

func startNative(linkPath string, logger zerolog.Logger) (*nativeBridge, error) {
	localMaster, localSlave, err := pty.Open()
	if err != nil {
		return nil, &SpawnError{Backend: BackendNative, Err: err}
	}
	remoteMaster, remoteSlave, err := pty.Open()
	if err != nil {
		localMaster.Close()
		localSlave.Close()
		return nil, &SpawnError{Backend: BackendNative, Err: err}
	}

	b := &nativeBridge{
		linkPath:     linkPath,
		logger:       logger,
		localMaster:  localMaster,
		localSlave:   localSlave,
		remoteMaster: remoteMaster,
		remoteSlave:  remoteSlave,
		exited:       make(chan struct{}),
	}

	for _, f := range []*os.File{localSlave, remoteSlave} {
		if err := makeRaw(int(f.Fd())); err != nil {
			b.closeFiles()
			return nil, &SpawnError{Backend: BackendNative, Err: fmt.Errorf("raw mode on %s: %w", f.Name(), err)}
		}
	}

	if err := replaceLink(linkPath, localSlave.Name()); err != nil {
		b.closeFiles()
		return nil, &SpawnError{Backend: BackendNative, Err: err}
	}

	go b.pump(localMaster, remoteMaster)
	go b.pump(remoteMaster, localMaster)
	return b, nil
}

// makeRaw mirrors socat's "raw,echo=0"
func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// replaceLink points linkPath at target, replacing a stale symlink from an
// earlier run. A regular file at linkPath is left alone.
func replaceLink(linkPath, target string) error {
	if fi, err := os.Lstat(linkPath); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("%s exists and is not a symlink", linkPath)
		}
		if err := os.Remove(linkPath); err != nil {
			return err
		}
	}
	return os.Symlink(target, linkPath)
}

func (b *nativeBridge) pump(dst, src *os.File) {
	_, err := io.Copy(dst, src)
	if err == nil {
		err = io.EOF
	}
	b.finish(err)
}

func (b *nativeBridge) finish(err error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.exitErr = err
		b.mu.Unlock()

		b.closeFiles()
		if target, lerr := os.Readlink(b.linkPath); lerr == nil && target == b.localSlave.Name() {
			os.Remove(b.linkPath)
		}
		close(b.exited)
	})
}

func (b *nativeBridge) closeFiles() {
	for _, f := range []*os.File{b.localMaster, b.localSlave, b.remoteMaster, b.remoteSlave} {
		f.Close()
	}
}

func (b *nativeBridge) endpoint() string { return b.remoteSlave.Name() }

func (b *nativeBridge) pid() int { return os.Getpid() }

func (b *nativeBridge) done() <-chan struct{} { return b.exited }

func (b *nativeBridge) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

var errStopped = errors.New("ptyproxy: stopped")

func (b *nativeBridge) stop() error {
	b.finish(errStopped)
	return nil
}
