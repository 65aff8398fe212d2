// Copyright 2025 The mountck authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utab

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Path is where util-linux keeps its userspace mount options table. The
// mount.nilfs2 helper records the garbage collector state of each nilfs2
// mount here.
const Path = "/run/mount/utab"

// Record is a single utab entry. Each line consists of whitespace-separated
// KEY=value tokens: an optional ID, the source device, the target mount
// point, the root of the mount within the filesystem, and optional free-text
// attributes maintained by the mount helper.
type Record struct {
	ID     string
	Source string
	Target string
	Root   string
	Attrs  string
}

// GCPID returns the garbage collector pid recorded in the attributes,
// together with whether such a "gcpid=N" attribute is present at all.
func (r *Record) GCPID() (int, bool) {
	for _, attr := range strings.Split(r.Attrs, ",") {
		value, ok := strings.CutPrefix(attr, "gcpid=")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(value)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}

// NoGC reports whether the attributes explicitly flag garbage collection as
// disabled.
func (r *Record) NoGC() bool {
	for _, attr := range strings.Split(r.Attrs, ",") {
		if attr == "nogc" {
			return true
		}
	}
	return false
}

// None reports whether the record carries no special attributes, either
// because the ATTRS token is absent or because it is the literal "none".
func (r *Record) None() bool {
	return r.Attrs == "" || r.Attrs == "none"
}

// Parse reads utab records from r, skipping blank and comment lines as well
// as lines without the mandatory SRC and TARGET tokens.
func Parse(r io.Reader) ([]Record, error) {
	var records []Record
	scn := bufio.NewScanner(r)
	for scn.Scan() {
		line := strings.TrimSpace(scn.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec Record
		for _, token := range strings.Fields(line) {
			key, value, ok := strings.Cut(token, "=")
			if !ok {
				continue
			}
			switch key {
			case "ID":
				rec.ID = value
			case "SRC":
				rec.Source = unescape(value)
			case "TARGET":
				rec.Target = unescape(value)
			case "ROOT":
				rec.Root = unescape(value)
			case "ATTRS":
				rec.Attrs = unescape(value)
			}
		}
		if rec.Source == "" || rec.Target == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, scn.Err()
}

// File looks up utab records from an on-disk table, defaulting to the
// well-known util-linux location.
type File struct {
	Path string
}

// New returns a File reading the system utab.
func New() *File { return &File{Path: Path} }

// Lookup returns the record for the given source device and target mount
// point, or nil when the table contains no such record. A missing table file
// counts as "no record" since util-linux removes it when it becomes empty.
func (f *File) Lookup(source, target string) (*Record, error) {
	tab, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "cannot read mount options table %s", f.Path)
	}
	defer func() { _ = tab.Close() }()
	records, err := Parse(tab)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed mount options table %s", f.Path)
	}
	for idx := range records {
		if records[idx].Source == source && records[idx].Target == target {
			return &records[idx], nil
		}
	}
	return nil, nil
}

// unescape decodes the getmntent(3)-style octal escapes ("\040" and friends)
// that util-linux uses for whitespace and other troublemakers in paths.
func unescape(in string) string {
	if !strings.ContainsRune(in, '\\') {
		return in
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c == '\\' && i+3 < len(in) && isOctal(in[i+1]) && isOctal(in[i+2]) && isOctal(in[i+3]) {
			out = append(out, (in[i+1]-'0')<<6|(in[i+2]-'0')<<3|(in[i+3]-'0'))
			i += 3
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
