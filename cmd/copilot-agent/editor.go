package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/dshills/keystorm-copilot/internal/completion"
	"github.com/dshills/keystorm-copilot/internal/protocol"
)

// fileEditor is a headless editor with one view over one file.
type fileEditor struct {
	root   string
	path   string
	view   completion.ViewID
	indent protocol.Indent

	mu     sync.Mutex
	source string
	cursor protocol.Position
	dirty  bool
}

func openFileEditor(root, path string, cursor protocol.Position, indent protocol.Indent) (*fileEditor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &fileEditor{
		root:   root,
		path:   path,
		view:   completion.ViewID(path),
		indent: indent,
		source: string(data),
		cursor: cursor,
	}, nil
}

func (e *fileEditor) Document(view completion.ViewID) (protocol.Doc, error) {
	if view != e.view {
		return protocol.Doc{}, completion.ErrViewGone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return protocol.NewDoc(e.root, e.path, e.source, e.cursor, e.indent), nil
}

func (e *fileEditor) Cursor(view completion.ViewID) (protocol.Position, error) {
	if view != e.view {
		return protocol.Position{}, completion.ErrViewGone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor, nil
}

func (e *fileEditor) Replace(view completion.ViewID, r protocol.Range, text string) error {
	if view != e.view {
		return completion.ErrViewGone
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start, err := offsetOf(e.source, r.Start)
	if err != nil {
		return err
	}
	end, err := offsetOf(e.source, r.End)
	if err != nil {
		return err
	}
	if end < start {
		start, end = end, start
	}
	e.source = e.source[:start] + text + e.source[end:]
	e.dirty = true
	return nil
}

// save writes the buffer back when a replacement changed it.
func (e *fileEditor) save() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(e.path, []byte(e.source), info.Mode().Perm()); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// offsetOf converts a position with a UTF-16 character offset into a byte
// offset. Positions past the end of a line clamp to the line end.
func offsetOf(src string, pos protocol.Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, fmt.Errorf("invalid position %d:%d", pos.Line, pos.Character)
	}
	off := 0
	for line := 0; line < pos.Line; line++ {
		i := strings.IndexByte(src[off:], '\n')
		if i < 0 {
			return 0, fmt.Errorf("line %d past end of file", pos.Line)
		}
		off += i + 1
	}

	units := 0
	for i, r := range src[off:] {
		if r == '\n' || units >= pos.Character {
			return off + i, nil
		}
		units += utf16.RuneLen(r)
	}
	return len(src), nil
}

// parseLocation parses "file:line:char" with a zero-based line and character.
func parseLocation(s string) (string, protocol.Position, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return "", protocol.Position{}, fmt.Errorf("location %q must be file:line:char", s)
	}
	n := len(parts)
	line, err := strconv.Atoi(parts[n-2])
	if err != nil || line < 0 {
		return "", protocol.Position{}, fmt.Errorf("invalid line in %q", s)
	}
	char, err := strconv.Atoi(parts[n-1])
	if err != nil || char < 0 {
		return "", protocol.Position{}, fmt.Errorf("invalid character in %q", s)
	}
	return strings.Join(parts[:n-2], ":"), protocol.Position{Line: line, Character: char}, nil
}
