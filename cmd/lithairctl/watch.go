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
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDataDir logs a notice whenever a snapshot file is created in
// dir by something other than this process, e.g. an external resync
// tool or an operator staging a snapshot fetched from the S3/Ceph
// backend.
// The engine itself never reacts to these events; this is purely an
// operator-visibility aid.
func watchDataDir(dir string, logger *zap.Logger) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				name := ev.Name
				base := name[strings.LastIndex(name, "/")+1:]
				if strings.HasPrefix(base, "snapshot.") && base != "snapshot.tmp" {
					logger.Info("snapshot file appeared out-of-band", zap.String("path", name))
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("data directory watch error", zap.Error(werr))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
