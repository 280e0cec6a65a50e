// Package envfile synthesizes a short-lived application configuration file
// from its template for the steps that insist on reading one from disk.
package envfile

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// KeyBytes is the size of the generated application key.
const KeyBytes = 32

// ProductionOverrides are forced onto every synthesized file.
var ProductionOverrides = map[string]string{
	"APP_ENV":   "production",
	"APP_DEBUG": "false",
}

// Ephemeral creates Path from Template when Path is absent and removes it
// again on Teardown. A file that already existed is never modified or removed.
type Ephemeral struct {
	Path      string
	Template  string
	KeyName   string
	Overrides map[string]string

	random io.Reader
	log    *zap.Logger

	mu      sync.Mutex
	created bool
}

// New returns an Ephemeral with production overrides and APP_KEY injection.
func New(path, template string, log *zap.Logger) *Ephemeral {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ephemeral{
		Path:      path,
		Template:  template,
		KeyName:   "APP_KEY",
		Overrides: ProductionOverrides,
		random:    rand.Reader,
		log:       log,
	}
}

// Created reports whether the file currently on disk was synthesized by us.
func (e *Ephemeral) Created() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created
}

// Prepare implements pipeline.ConfigHook.
func (e *Ephemeral) Prepare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.Path); err == nil {
		e.log.Info("configuration file present, leaving it untouched", zap.String("path", e.Path))
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", e.Path, err)
	}

	tmpl, err := os.ReadFile(e.Template)
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}

	key, err := GenerateKey(e.random)
	if err != nil {
		return err
	}

	values := make(map[string]string, len(e.Overrides)+1)
	for k, v := range e.Overrides {
		values[k] = v
	}
	if e.KeyName != "" {
		values[e.KeyName] = key
	}

	rendered, err := Render(tmpl, values)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", e.Template, err)
	}

	// O_EXCL so a file appearing between Stat and here is never clobbered.
	f, err := os.OpenFile(e.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", e.Path, err)
	}
	e.created = true

	if _, err := f.Write(rendered); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", e.Path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", e.Path, err)
	}

	e.log.Info("synthesized temporary configuration file",
		zap.String("path", e.Path),
		zap.String("template", e.Template),
	)
	return nil
}

// Teardown implements pipeline.ConfigHook.
func (e *Ephemeral) Teardown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created {
		return nil
	}
	if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", e.Path, err)
	}
	e.created = false
	e.log.Info("removed temporary configuration file", zap.String("path", e.Path))
	return nil
}

// GenerateKey returns a framework-style "base64:" key of KeyBytes random bytes.
func GenerateKey(r io.Reader) (string, error) {
	buf := make([]byte, KeyBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(buf), nil
}

// Render replaces the value of every KEY=... line whose key is in values.
// Keys missing from the template are appended at the end. Lines have no
// length limit.
func Render(tmpl []byte, values map[string]string) ([]byte, error) {
	seen := make(map[string]bool, len(values))
	var out bytes.Buffer

	rd := bufio.NewReader(bytes.NewReader(tmpl))
	for {
		raw, err := rd.ReadString('\n')
		if raw != "" {
			line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
			if key, ok := lineKey(line); ok {
				if v, found := values[key]; found {
					line = key + "=" + v
					seen[key] = true
				}
			}
			out.WriteString(line)
			out.WriteByte('\n')
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	var missing []string
	for k := range values {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		out.WriteString(k + "=" + values[k] + "\n")
	}
	return out.Bytes(), nil
}

func lineKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	i := strings.IndexByte(trimmed, '=')
	if i <= 0 {
		return "", false
	}
	return strings.TrimSpace(trimmed[:i]), true
}
