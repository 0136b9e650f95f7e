package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ErrNo7zBinary is returned when no external 7-Zip binary is on PATH.
var ErrNo7zBinary = errors.New("archive: no 7z binary found on PATH")

var sevenZipBinaries = []string{"7z", "7za", "7zz"}

// external7z shells out to a system 7-Zip binary for archives the
// native reader cannot handle.
type external7z struct {
	once sync.Once
	bin  string
	err  error
}

func newExternal7z() *external7z { return &external7z{} }

func (e *external7z) binary() (string, error) {
	e.once.Do(func() {
		for _, name := range sevenZipBinaries {
			if path, err := exec.LookPath(name); err == nil {
				e.bin = path
				return
			}
		}
		e.err = ErrNo7zBinary
	})
	return e.bin, e.err
}

func (e *external7z) list(ctx context.Context, path string) ([]Entry, error) {
	bin, err := e.binary()
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, bin, "l", "-slt", "-ba", "--", path).Output()
	if err != nil {
		return nil, fmt.Errorf("listing archive with %s: %w", bin, err)
	}
	return parse7zListing(out)
}

// parse7zListing reads `7z l -slt -ba` output: one stanza of
// `Key = Value` lines per entry, separated by blank lines.
func parse7zListing(out []byte) ([]Entry, error) {
	var entries []Entry
	var cur Entry
	var isDir bool

	flush := func() {
		if cur.Name != "" && !isDir {
			entries = append(entries, cur)
		}
		cur = Entry{}
		isDir = false
	}

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		switch key {
		case "Path":
			cur.Name = strings.ReplaceAll(value, "\\", "/")
		case "Size":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing 7z listing size %q: %w", value, err)
			}
			cur.Size = n
		case "Attributes":
			isDir = strings.HasPrefix(value, "D")
		case "Folder":
			if value == "+" {
				isDir = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parsing 7z listing: %w", err)
	}
	flush()
	return entries, nil
}

func (e *external7z) extract(ctx context.Context, path, name string) (io.ReadCloser, error) {
	bin, err := e.binary()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, bin, "e", "-so", "--", path, name)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("extracting archive entry: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}
	return &cmdReader{r: stdout, cmd: cmd}, nil
}

// cmdReader streams a subprocess's stdout and reaps it on Close.
type cmdReader struct {
	r   io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdReader) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *cmdReader) Close() error {
	io.Copy(io.Discard, c.r)
	c.r.Close()
	return c.cmd.Wait()
}
