// Package protocols holds the script catalogue: declarative action lists
// per protocol, embedded as TOML and optionally extended by a user file.
package protocols

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/executor"
	"github.com/ligun0805/testnet-runner/internal/orchestrator"
)

//go:embed default.toml
var defaultTOML []byte

const defaultPrecision = 4

type Script struct {
	Key             string            `toml:"key"`
	Title           string            `toml:"title"`
	AmountMin       string            `toml:"amount_min"`
	AmountMax       string            `toml:"amount_max"`
	AmountPrecision int               `toml:"amount_precision"`
	ActionDelay     bool              `toml:"action_delay"`
	Actions         []executor.Action `toml:"action"`
}

// Plan converts the script into an orchestrator plan.
func (s Script) Plan() (orchestrator.Plan, error) {
	prec := s.AmountPrecision
	if prec == 0 {
		prec = defaultPrecision
	}
	r, err := orchestrator.NewAmountRange(s.AmountMin, s.AmountMax, 18, prec)
	if err != nil {
		return orchestrator.Plan{}, errors.WithMessagef(err, "script %s", s.Key)
	}
	title := s.Title
	if title == "" {
		title = s.Key
	}
	return orchestrator.Plan{
		Name:        s.Key,
		Title:       title,
		Actions:     s.Actions,
		Amount:      r,
		ActionDelay: s.ActionDelay,
	}, nil
}

type Catalog struct {
	Scripts []Script `toml:"script"`
}

// Default returns the built-in catalogue.
func Default() (*Catalog, error) {
	return decode(bytes.NewReader(defaultTOML), "built-in catalogue")
}

// Load returns the built-in catalogue merged with the file at path. An empty
// path yields the built-in catalogue alone.
func Load(path string) (*Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, chainerr.Configf("open protocols file: %v", err)
	}
	defer f.Close()
	user, err := decode(f, path)
	if err != nil {
		return nil, err
	}
	c.Merge(user)
	return c, nil
}

func decode(r io.Reader, name string) (*Catalog, error) {
	var c Catalog
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, chainerr.Configf("%s:%d:%d: %s", name, row, col, derr.Error())
		}
		return nil, chainerr.Configf("%s: %v", name, err)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.WithMessage(err, name)
	}
	return &c, nil
}

// Validate checks keys are unique and every script is runnable.
func (c *Catalog) Validate() error {
	seen := map[string]bool{}
	for i, s := range c.Scripts {
		if s.Key == "" {
			return chainerr.Configf("script #%d has no key", i+1)
		}
		k := strings.ToLower(s.Key)
		if seen[k] {
			return chainerr.Configf("duplicate script key %q", s.Key)
		}
		seen[k] = true
		if len(s.Actions) == 0 {
			return chainerr.Configf("script %s has no actions", s.Key)
		}
		for j, a := range s.Actions {
			if a.Name == "" {
				return chainerr.Configf("script %s: action #%d has no name", s.Key, j+1)
			}
			if !a.Deploy && a.To == "" {
				return chainerr.Configf("script %s: action %s has no target", s.Key, a.Name)
			}
		}
		if _, err := s.Plan(); err != nil {
			return err
		}
	}
	return nil
}

// Merge replaces scripts with the same key and appends new ones.
func (c *Catalog) Merge(other *Catalog) {
	if other == nil {
		return
	}
	for _, s := range other.Scripts {
		if i := c.index(s.Key); i >= 0 {
			c.Scripts[i] = s
			continue
		}
		c.Scripts = append(c.Scripts, s)
	}
}

func (c *Catalog) index(key string) int {
	for i, s := range c.Scripts {
		if strings.EqualFold(s.Key, key) {
			return i
		}
	}
	return -1
}

// Lookup finds a script by key, ignoring case.
func (c *Catalog) Lookup(key string) (Script, bool) {
	if i := c.index(strings.TrimSpace(key)); i >= 0 {
		return c.Scripts[i], true
	}
	return Script{}, false
}

func (c *Catalog) Keys() []string {
	out := make([]string, 0, len(c.Scripts))
	for _, s := range c.Scripts {
		out = append(out, s.Key)
	}
	return out
}
