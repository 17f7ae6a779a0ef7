package templates

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"

	"github.com/lalithlochan/nudge/internal/messenger"
)

//go:embed defaults.yaml
var builtinDefaults []byte

// ErrUnknownTemplate is returned when no template exists for a kind.
var ErrUnknownTemplate = errors.New("unknown message template")

// Definition is one message template before compilation.
type Definition struct {
	Kind    string `yaml:"-"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// Source supplies runtime overrides, e.g. rows edited from the admin panel.
type Source interface {
	Overrides(ctx context.Context) ([]Definition, error)
}

// Data is what templates render against.
type Data struct {
	RecipientID int64
	SubjectID   int64
	Kind        string
	NotifyAt    time.Time
	StartsAt    string
	Payload     map[string]any
}

type file struct {
	Templates map[string]Definition `yaml:"templates"`
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Cache holds compiled templates. Layers, lowest first: built-in defaults,
// the YAML file at path, then Source overrides.
type Cache struct {
	path   string
	source Source
	logger *zap.Logger

	mu    sync.RWMutex
	set   map[string]compiled
	stale bool
}

// NewCache creates an empty cache; the first Render loads it.
func NewCache(path string, source Source, logger *zap.Logger) *Cache {
	return &Cache{path: path, source: source, logger: logger, stale: true}
}

// Invalidate drops the compiled set so the next Render reloads every layer.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
	c.logger.Info("message templates invalidated")
}

// Load rebuilds the compiled set now. On error the previous set stays.
func (c *Cache) Load(ctx context.Context) error {
	defs, err := parseFile(builtinDefaults)
	if err != nil {
		return fmt.Errorf("builtin templates: %w", err)
	}

	if c.path != "" {
		raw, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("read templates file: %w", err)
		}
		fileDefs, err := parseFile(raw)
		if err != nil {
			return fmt.Errorf("templates file %s: %w", c.path, err)
		}
		for k, d := range fileDefs {
			defs[k] = d
		}
	}

	if c.source != nil {
		overrides, err := c.source.Overrides(ctx)
		if err != nil {
			return fmt.Errorf("template overrides: %w", err)
		}
		for _, d := range overrides {
			defs[d.Kind] = d
		}
	}

	set := make(map[string]compiled, len(defs))
	for kind, d := range defs {
		ct, err := compile(kind, d)
		if err != nil {
			return err
		}
		set[kind] = ct
	}

	c.mu.Lock()
	c.set = set
	c.stale = false
	c.mu.Unlock()

	c.logger.Info("message templates loaded", zap.Int("count", len(set)))
	return nil
}

// Render produces the content for kind.
func (c *Cache) Render(ctx context.Context, kind string, data Data) (messenger.Content, error) {
	c.mu.RLock()
	stale := c.stale
	c.mu.RUnlock()

	if stale {
		if err := c.Load(ctx); err != nil {
			c.mu.RLock()
			haveOld := c.set != nil
			c.mu.RUnlock()
			if !haveOld {
				return messenger.Content{}, err
			}
			c.logger.Error("template reload failed, using previous set", zap.Error(err))
		}
	}

	c.mu.RLock()
	ct, ok := c.set[kind]
	c.mu.RUnlock()
	if !ok {
		return messenger.Content{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, kind)
	}

	if data.Payload == nil {
		data.Payload = map[string]any{}
	}
	if data.Kind == "" {
		data.Kind = kind
	}

	var body, subject bytes.Buffer
	if err := ct.body.Execute(&body, data); err != nil {
		return messenger.Content{}, fmt.Errorf("render %s body: %w", kind, err)
	}
	if ct.subject != nil {
		if err := ct.subject.Execute(&subject, data); err != nil {
			return messenger.Content{}, fmt.Errorf("render %s subject: %w", kind, err)
		}
	}
	return messenger.Content{Text: body.String(), Subject: subject.String()}, nil
}

// Kinds lists the loaded template kinds.
func (c *Cache) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.set))
	for k := range c.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func parseFile(raw []byte) (map[string]Definition, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out := make(map[string]Definition, len(f.Templates))
	for k, d := range f.Templates {
		d.Kind = k
		out[k] = d
	}
	return out, nil
}

func compile(kind string, d Definition) (compiled, error) {
	if d.Body == "" {
		return compiled{}, fmt.Errorf("template %s: body is empty", kind)
	}
	body, err := template.New(kind).Option("missingkey=zero").Parse(d.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("template %s body: %w", kind, err)
	}

	ct := compiled{body: body}
	if d.Subject != "" {
		ct.subject, err = template.New(kind + ".subject").Option("missingkey=zero").Parse(d.Subject)
		if err != nil {
			return compiled{}, fmt.Errorf("template %s subject: %w", kind, err)
		}
	}
	return ct, nil
}
