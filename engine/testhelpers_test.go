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
package engine

import (
	"testing"

	"github.com/launix-de/lithair/persistence"
)

// stringCodec is the Codec used by every test in this package: values
// are opaque UTF-8 strings, so assertions can compare them directly.
var stringCodec = Codec[string]{
	Encode: func(s string) ([]byte, error) { return []byte(s), nil },
	Decode: func(b []byte) (string, error) { return string(b), nil },
}

func newFileBackend(t testing.TB, dir string) persistence.Engine {
	t.Helper()
	b, err := persistence.NewFileBackend(dir, 0)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return b
}
