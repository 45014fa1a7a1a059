//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package tty

import "os"

// WatchQuit reads stdin without termios control on platforms that lack it.
// Input stays line buffered, so quitting takes q followed by Enter; Ctrl-C
// still arrives as a signal.
func WatchQuit(quit func()) (func(), error) {
	go func() {
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
	}()
	return func() {}, nil
}
