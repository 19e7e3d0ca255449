/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/chzyer/readline"
	units "github.com/docker/go-units"
	"github.com/jtolds/gls"
	"go.uber.org/zap"

	"github.com/launix-de/lithair/engine"
	"github.com/launix-de/lithair/replication"
)

const (
	newprompt  = "\033[32mlithair>\033[0m "
	contprompt = "\033[32m...\033[0m "
)

// runRepl drives the operator REPL the way memcp's scm.Repl drives its
// Scheme prompt: readline for history/line-editing, an
// anti-panic recover wrapper around each command so a bad invocation
// never takes the whole process down.
func runRepl(eng *engine.Engine[string], coord *replication.ResyncCoordinator, logger *zap.Logger) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".lithairctl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		logger.Fatal("readline init failed", zap.Error(err))
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Println("panic:", r, string(debug.Stack()))
				}
			}()
			if !runCommand(eng, coord, logger, line) {
				l.Close()
			}
		}()
	}
}

// runCommand executes one REPL line, returning false if the REPL
// should exit.
func runCommand(eng *engine.Engine[string], coord *replication.ResyncCoordinator, logger *zap.Logger, line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "quit", "exit":
		return false

	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <key>")
			return true
		}
		v, ok := eng.Read(args[0])
		if !ok {
			fmt.Println("(absent)")
			return true
		}
		fmt.Println(v)

	case "put":
		if len(args) < 2 {
			fmt.Println("usage: put <key> <value...>")
			return true
		}
		value := strings.Join(args[1:], " ")
		if err := eng.Apply("Upsert", args[0], value, "", true); err != nil {
			fmt.Println("error:", err)
		}

	case "del":
		if len(args) != 1 {
			fmt.Println("usage: del <key>")
			return true
		}
		if err := eng.Remove(args[0]); err != nil {
			fmt.Println("error:", err)
		}

	case "flush":
		if err := eng.Flush(); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("ok")
		}

	case "snapshot":
		snapshotAsync(eng, logger)

	case "stats":
		printStats(eng)

	case "resync-status":
		printResyncStatus(coord)

	case "iter":
		for _, kv := range eng.IterAll() {
			fmt.Printf("%s = %s\n", kv.Key, kv.Value)
		}

	default:
		fmt.Printf("unknown command %q (try: get put del flush snapshot stats resync-status iter quit)\n", cmd)
	}
	return true
}

// snapshotAsync runs Engine.Snapshot on its own goroutine, the way
// memcp's storage.scan spreads per-shard work across gls.Go so a
// panic during serialization carries goroutine-local context (here,
// simply which command triggered it) into the log line instead of
// crashing the REPL.
func snapshotAsync(eng *engine.Engine[string], logger *zap.Logger) {
	done := make(chan struct{})
	gls.Go(func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic during snapshot", zap.Any("recover", r), zap.String("trigger", "repl:snapshot"))
			}
		}()
		if err := eng.Snapshot(); err != nil {
			fmt.Println("snapshot error:", err)
			return
		}
		fmt.Println("snapshot ok")
	})
	<-done
}

func printStats(eng *engine.Engine[string]) {
	s := eng.Stats()
	fmt.Printf("keys:             %d\n", s.Keys)
	fmt.Printf("queue depth:      %d\n", s.QueueDepthApprox)
	fmt.Printf("last flush took:  %s\n", s.LastFlushDuration)
	fmt.Printf("bytes written:    %s\n", units.HumanSize(float64(s.BytesWritten)))
}

func printResyncStatus(coord *replication.ResyncCoordinator) {
	id, ok := coord.MostLagging()
	if !ok {
		fmt.Println("no followers tracked")
		return
	}
	fmt.Printf("most-lagging follower: %s (needs resync: %v)\n", id, coord.NeedsResync(id))
}
