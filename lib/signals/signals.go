// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package signals

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Terminator installs a handler that runs terminate when the process
// receives SIGTERM or SIGINT, and returns a restore function that
// removes the handler. The restore function must be called on every
// exit path (use defer); it is safe to call more than once.
//
// The terminate callback runs on a dedicated goroutine. It should
// bring down whatever external process the caller is supervising and
// return; it must not call os.Exit, since the supervised process
// exiting is what unwinds the caller's own blocking wait.
func Terminator(terminate func()) (restore func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				terminate()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// Suspendable installs handlers that run suspend when the process
// receives SIGTSTP and resume when it receives SIGCONT, and returns a
// restore function that removes both. The restore function must be
// called on every exit path (use defer); it is safe to call more than
// once.
//
// After the suspend callback returns, the process stops itself with
// SIGSTOP so that the whole job (caller and supervised processes)
// halts together. A subsequent SIGCONT wakes the process and runs the
// resume callback.
func Suspendable(suspend, resume func()) (restore func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, unix.SIGTSTP, unix.SIGCONT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case unix.SIGTSTP:
					suspend()
					// SIGSTOP cannot be caught, so this reliably
					// halts the process until SIGCONT arrives.
					_ = unix.Kill(unix.Getpid(), unix.SIGSTOP)
				case unix.SIGCONT:
					resume()
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// IgnoreDuring runs body with the given signal ignored, restoring the
// previous disposition before returning, on every exit path.
func IgnoreDuring(sig os.Signal, body func()) {
	signal.Ignore(sig)
	defer signal.Reset(sig)
	body()
}
