package server

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed templates/*
var builtinTemplates embed.FS

// ErrTemplateNotFound is returned by Render for unknown pages.
var ErrTemplateNotFound = errors.New("template not found")

// Templates renders pages from a custom directory or the built-in set. With
// reload enabled the directory is re-read on every render.
type Templates struct {
	fsys   fs.FS
	reload bool
	logger *slog.Logger

	mu  sync.RWMutex
	set *template.Template
}

// NewTemplates loads templates from dir, falling back to the built-in
// templates when dir is empty or missing.
func NewTemplates(dir string, reload bool, logger *slog.Logger) (*Templates, error) {
	fsys, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			fsys = os.DirFS(dir)
		} else {
			logger.Warn("template directory not found, using built-in templates", "dir", dir)
			reload = false
		}
	} else {
		reload = false
	}

	t := &Templates{fsys: fsys, reload: reload, logger: logger}
	set, err := t.parse()
	if err != nil {
		return nil, err
	}
	t.set = set
	return t, nil
}

func (t *Templates) parse() (*template.Template, error) {
	set, err := template.ParseFS(t.fsys, "*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return set, nil
}

func (t *Templates) current() (*template.Template, error) {
	if t.reload {
		set, err := t.parse()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.set = set
		t.mu.Unlock()
		return set, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.set, nil
}

// Render executes the named template into w.
func (t *Templates) Render(w http.ResponseWriter, name string, data any) error {
	set, err := t.current()
	if err != nil {
		return err
	}
	tmpl := set.Lookup(name)
	if tmpl == nil {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err = buf.WriteTo(w)
	return err
}

// StaticHandler serves non-template assets such as style.css. prefix is
// stripped from the request path before lookup.
func (t *Templates) StaticHandler(prefix string) http.Handler {
	files := http.StripPrefix(prefix, http.FileServer(http.FS(t.fsys)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if strings.HasSuffix(name, ".html") || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// WriteBuiltinTemplates copies the built-in templates into dir. Existing
// files are left untouched. It returns the paths written.
func WriteBuiltinTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create template dir: %w", err)
	}
	entries, err := fs.ReadDir(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}

	var written []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dst := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := builtinTemplates.ReadFile("templates/" + entry.Name())
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}
