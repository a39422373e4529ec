// Copyright 2024 The swapcapture Authors
// This file is part of the swapcapture library.
//
// The swapcapture library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The swapcapture library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the swapcapture library. If not, see <http://www.gnu.org/licenses/>.

// Package rules applies the post-enrichment transformation rules to a
// trade payload. Rule sets load from a JSON file and hot-reload on change;
// application itself is pure, a given rule set and input always produce
// the same output.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
)

// Category separates economic field rewrites from bookkeeping ones.
type Category string

const (
	CategoryEconomic    Category = "ECONOMIC"
	CategoryNonEconomic Category = "NON_ECONOMIC"
	CategoryWorkflow    Category = "WORKFLOW"
)

// Rule is one field transformation. Rules with lower Priority run first;
// within a priority the file order is kept.
type Rule struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Priority int      `json:"priority"`

	// Field names the payload key the rule targets.
	Field string `json:"field"`

	// Set writes a literal value into Field when not nil.
	Set json.RawMessage `json:"set,omitempty"`

	// CopyFrom copies another payload key into Field when non-empty.
	CopyFrom string `json:"copyFrom,omitempty"`

	// Drop removes Field from the payload.
	Drop bool `json:"drop,omitempty"`

	// WorkflowStatus sets the blotter's workflow status; only meaningful
	// for WORKFLOW rules.
	WorkflowStatus string `json:"workflowStatus,omitempty"`
}

// RuleSet is an immutable, versioned collection of rules.
type RuleSet struct {
	Version string `json:"version"`
	Rules   []Rule `json:"rules"`
}

// Result is the outcome of applying a rule set to a payload.
type Result struct {
	Payload        json.RawMessage
	WorkflowStatus string
	Version        string
}

// Apply runs every rule in priority order against the payload. The input
// is never mutated.
func (rs *RuleSet) Apply(payload json.RawMessage) (Result, error) {
	doc := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return Result{}, types.CodedWrap(types.CodeProcessing, err, "payload is not a JSON object")
		}
	}
	ordered := make([]Rule, len(rs.Rules))
	copy(ordered, rs.Rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	workflow := ""
	for _, r := range ordered {
		switch {
		case r.Drop:
			delete(doc, r.Field)
		case len(r.Set) > 0:
			doc[r.Field] = r.Set
		case r.CopyFrom != "":
			if v, ok := doc[r.CopyFrom]; ok {
				doc[r.Field] = v
			}
		}
		if r.Category == CategoryWorkflow && r.WorkflowStatus != "" {
			workflow = r.WorkflowStatus
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: out, WorkflowStatus: workflow, Version: rs.Version}, nil
}

// Engine serves the active rule set and swaps it atomically when the
// backing file changes.
type Engine struct {
	mu      sync.RWMutex
	active  *RuleSet
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *zap.SugaredLogger
}

// NewEngine loads the rule set from path and starts watching it for
// changes. An empty path yields an engine with an empty pass-through set.
func NewEngine(path string, log *zap.SugaredLogger) (*Engine, error) {
	e := &Engine{
		active: &RuleSet{Version: "empty"},
		path:   path,
		done:   make(chan struct{}),
		log:    log,
	}
	if path == "" {
		return e, nil
	}
	rs, err := load(path)
	if err != nil {
		return nil, err
	}
	e.active = rs

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	e.watcher = watcher
	go e.watch()
	return e, nil
}

// Active returns the current rule set.
func (e *Engine) Active() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Reload re-reads the rule file immediately.
func (e *Engine) Reload() error {
	rs, err := load(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.active = rs
	e.mu.Unlock()
	e.log.Infow("Rule set reloaded", "version", rs.Version, "rules", len(rs.Rules))
	return nil
}

// Close stops the file watcher.
func (e *Engine) Close() error {
	close(e.done)
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

func (e *Engine) watch() {
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(e.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := e.Reload(); err != nil {
				// Keep the previous set on a bad reload.
				e.log.Errorw("Rule set reload failed, keeping previous version", "path", e.path, "err", err)
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warnw("Rule file watcher error", "err", err)
		case <-e.done:
			return
		}
	}
}

func load(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	if rs.Version == "" {
		return nil, fmt.Errorf("rules: %s carries no version", path)
	}
	for i, r := range rs.Rules {
		if r.Name == "" || r.Field == "" && !r.Drop && r.WorkflowStatus == "" {
			return nil, fmt.Errorf("rules: rule %d is incomplete", i)
		}
		switch r.Category {
		case CategoryEconomic, CategoryNonEconomic, CategoryWorkflow:
		default:
			return nil, fmt.Errorf("rules: rule %q has unknown category %q", r.Name, r.Category)
		}
	}
	return &rs, nil
}
