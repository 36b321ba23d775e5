// Package config provides YAML configuration loading, validation, and
// compilation into monitor.Spec values for the monitord engine. The
// surface syntax and parsing are treated as an external collaborator per
// spec.md §1; this package is the concrete (but swappable) implementation
// the daemon ships with, grounded on the teacher's (tripwire/agent)
// internal/config/config.go LoadConfig/applyDefaults/validate shape.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/agent/internal/action"
	"github.com/tripwire/agent/internal/monitor"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("config: invalid")

// Document is the root of the YAML configuration, matching spec.md §6.
type Document struct {
	Monitor map[string]MonitorDoc `yaml:"monitor"`
	Notify  map[string]NotifyDoc  `yaml:"notify"`
	Var     map[string]any        `yaml:"var"`  // reserved, not interpreted
	Task    map[string]any        `yaml:"task"` // reserved, not interpreted
}

// NotifyDoc is a named notification target referenced by a monitor's
// "notify" key when given as a plain string (the title).
type NotifyDoc struct {
	Type  string `yaml:"type"`
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// MonitorDoc is the YAML shape of one monitor table, field-for-field as
// listed in spec.md §6.
type MonitorDoc struct {
	Every     string         `yaml:"every"`
	Log       string         `yaml:"log"`
	Service   string         `yaml:"service"`
	Watch     yaml.Node      `yaml:"watch"` // string or []string
	Cooldown  string         `yaml:"cooldown"`
	MatchLog  string         `yaml:"match_log"`
	IgnoreLog string         `yaml:"ignore_log"`
	Unique    string         `yaml:"unique"`
	Threshold string         `yaml:"threshold"`
	Exec      yaml.Node      `yaml:"exec"` // string or []string
	NotifyRaw yaml.Node      `yaml:"notify"`
	Set       map[string]any `yaml:"set"`  // reserved
	Push      map[string]any `yaml:"push"` // reserved
}

// Load reads and parses the YAML document at path. It does not validate or
// compile monitors; call Compile on the result (or use LoadSpecs) to
// produce runnable monitor.Spec values.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return &doc, nil
}

// LoadSpecs reads, parses, and compiles the configuration at path into a
// slice of monitor.Spec. On validation failure it returns every monitor's
// error joined together, each wrapped in ErrInvalid.
func LoadSpecs(path string) ([]monitor.Spec, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	return doc.Compile()
}

// Compile validates doc and compiles every monitor entry into a
// monitor.Spec. Monitor names must be unique and non-empty (guaranteed by
// the YAML map itself never having two entries with the same key, but an
// empty key is still rejected).
func (d *Document) Compile() ([]monitor.Spec, error) {
	var (
		specs []monitor.Spec
		errs  []error
	)

	for name, md := range d.Monitor {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%w: monitor name must be non-empty", ErrInvalid))
			continue
		}
		spec, err := compileMonitor(name, md, d.Notify)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: monitor %q: %v", ErrInvalid, name, err))
			continue
		}
		specs = append(specs, spec)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return specs, nil
}

func compileMonitor(name string, md MonitorDoc, notifiers map[string]NotifyDoc) (monitor.Spec, error) {
	spec := monitor.Spec{Name: name}

	hasSource := false

	if md.Every != "" {
		d, err := time.ParseDuration(md.Every)
		if err != nil {
			return spec, fmt.Errorf("every: %w", err)
		}
		if d <= 0 {
			return spec, errors.New("every: must be positive")
		}
		spec.Every = d
		hasSource = true
	}

	if md.Log != "" {
		spec.LogPath = md.Log
		hasSource = true
	}

	if md.Service != "" {
		spec.ServiceUnit = md.Service
		hasSource = true
	}

	watchPaths, err := decodeStringOrSlice(md.Watch)
	if err != nil {
		return spec, fmt.Errorf("watch: %w", err)
	}
	if len(watchPaths) > 0 {
		spec.WatchPaths = watchPaths
		hasSource = true
	}

	if !hasSource {
		return spec, errors.New("must configure at least one of: every, log, service, watch")
	}

	if md.Cooldown != "" {
		d, err := time.ParseDuration(md.Cooldown)
		if err != nil {
			return spec, fmt.Errorf("cooldown: %w", err)
		}
		spec.Cooldown = d
	}

	if md.MatchLog != "" {
		re, err := regexp.Compile(md.MatchLog)
		if err != nil {
			return spec, fmt.Errorf("match_log: %w", err)
		}
		spec.MatchRegex = re
	}

	if md.IgnoreLog != "" {
		re, err := regexp.Compile(md.IgnoreLog)
		if err != nil {
			return spec, fmt.Errorf("ignore_log: %w", err)
		}
		spec.IgnoreRegex = re
	}

	spec.UniqueCapture = md.Unique

	if md.Threshold != "" {
		n, w, err := parseThreshold(md.Threshold, spec.Every)
		if err != nil {
			return spec, fmt.Errorf("threshold: %w", err)
		}
		spec.ThresholdN = n
		spec.ThresholdW = w
	}

	act, err := compileAction(md.Exec)
	if err != nil {
		return spec, fmt.Errorf("exec: %w", err)
	}
	spec.Action = act

	title, body, err := compileNotify(md.NotifyRaw, notifiers)
	if err != nil {
		return spec, fmt.Errorf("notify: %w", err)
	}
	spec.NotifyTitle = title
	spec.NotifyBody = body

	return spec, nil
}

// parseThreshold parses "N/W" or a bare "W" (valid only when every is set,
// resolving to N := floor(W / every)) per spec.md §4.6.
func parseThreshold(raw string, every time.Duration) (int, time.Duration, error) {
	if idx := strings.Index(raw, "/"); idx >= 0 {
		nStr, wStr := raw[:idx], raw[idx+1:]
		n, err := strconv.Atoi(strings.TrimSpace(nStr))
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid count %q", nStr)
		}
		w, err := time.ParseDuration(strings.TrimSpace(wStr))
		if err != nil || w <= 0 {
			return 0, 0, fmt.Errorf("invalid window %q", wStr)
		}
		return n, w, nil
	}

	w, err := time.ParseDuration(raw)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid window %q", raw)
	}
	if every <= 0 {
		return 0, 0, errors.New("bare window form requires \"every\" to be set")
	}
	n := int(w / every)
	if n <= 0 {
		return 0, 0, fmt.Errorf("window %s shorter than every %s", w, every)
	}
	return n, w, nil
}

// compileAction builds an action.Action from the "exec" key: a plain
// string means Shell, a non-empty array of strings means Spawn.
func compileAction(node yaml.Node) (action.Action, error) {
	if node.Kind == 0 {
		return action.Action{}, errors.New("required")
	}

	if node.Kind == yaml.ScalarNode {
		var cmdline string
		if err := node.Decode(&cmdline); err != nil {
			return action.Action{}, err
		}
		if strings.TrimSpace(cmdline) == "" {
			return action.Action{}, errors.New("must be non-empty")
		}
		return action.Action{Kind: action.Shell, Cmdline: cmdline}, nil
	}

	if node.Kind == yaml.SequenceNode {
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return action.Action{}, err
		}
		if len(argv) == 0 {
			return action.Action{}, errors.New("argv must be non-empty")
		}
		return action.Action{Kind: action.Spawn, Argv: argv}, nil
	}

	return action.Action{}, errors.New("must be a string or an array of strings")
}

// compileNotify resolves the "notify" key: a plain string names a title
// directly, or references a key in the top-level notify table; a table
// form {type,title,body} is used inline.
func compileNotify(node yaml.Node, notifiers map[string]NotifyDoc) (title, body string, err error) {
	if node.Kind == 0 {
		return "", "", nil
	}

	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return "", "", err
		}
		if nd, ok := notifiers[s]; ok {
			return nd.Title, nd.Body, nil
		}
		return s, "", nil
	}

	if node.Kind == yaml.MappingNode {
		var nd NotifyDoc
		if err := node.Decode(&nd); err != nil {
			return "", "", err
		}
		return nd.Title, nd.Body, nil
	}

	return "", "", errors.New("must be a string or a {type,title,body} table")
}

// decodeStringOrSlice decodes a YAML node that may be either a single
// string or a sequence of strings, as used by the "watch" key.
func decodeStringOrSlice(node yaml.Node) ([]string, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	if node.Kind == yaml.SequenceNode {
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return nil, err
		}
		return ss, nil
	}
	return nil, errors.New("must be a string or an array of strings")
}
