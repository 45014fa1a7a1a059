//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// Package tty watches the controlling terminal for the quit key without
// taking over the screen. Echo and line buffering are switched off so a
// single keypress is enough; output processing is left alone so log lines
// keep rendering normally.
package tty

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// WatchQuit puts stdin into a character-at-a-time mode and calls quit once
// when the operator presses q, Q, or Ctrl-C. The returned restore function
// puts the terminal back and is safe to call more than once. When stdin is
// not a terminal the watcher does nothing; signal handling still covers
// shutdown there.
func WatchQuit(quit func()) (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}

	old, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return func() {}, err
	}

	raw := *old
	raw.Lflag &^= unix.ECHO | unix.ICANON
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, &raw); err != nil {
		return func() {}, err
	}

	var once sync.Once
	restore := func() {
		once.Do(func() {
			_ = unix.IoctlSetTermios(fd, ioctlWriteTermios, old)
		})
	}

	go watchKeys(quit)

	return restore, nil
}

func watchKeys(quit func()) {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case 'q', 'Q', 0x03:
			quit()
			return
		}
	}
}
