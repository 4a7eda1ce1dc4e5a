// Package dataset loads dataset manifests from YAML.
package dataset

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/warriorguo/privacyflow/types"
	"gopkg.in/yaml.v3"
)

type manifest struct {
	Dataset []*types.Dataset `yaml:"dataset"`
}

// Load parses every YAML document in r.
func Load(r io.Reader) ([]*types.Dataset, error) {
	dec := yaml.NewDecoder(r)
	out := make([]*types.Dataset, 0)
	for {
		m := &manifest{}
		err := dec.Decode(m)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "decode dataset manifest")
		}
		out = append(out, m.Dataset...)
	}
	for _, ds := range out {
		if err := Validate(ds); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return out, nil
}

func LoadFile(path string) ([]*types.Dataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read %s", path)
	}
	datasets, err := Load(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Annotatef(err, "load %s", path)
	}
	return datasets, nil
}

// LoadDir loads every *.yml and *.yaml file of dir, in name order.
func LoadDir(dir string) ([]*types.Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "read dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(e.Name())); ext == ".yml" || ext == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*types.Dataset, 0)
	seen := make(map[string]bool)
	for _, name := range names {
		datasets, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, ds := range datasets {
			if seen[ds.Name] {
				return nil, errors.AlreadyExistsf("dataset %s in %s", ds.Name, name)
			}
			seen[ds.Name] = true
			out = append(out, ds)
		}
	}
	return out, nil
}

// Validate checks a single dataset for manifest level mistakes.
func Validate(ds *types.Dataset) error {
	if ds.Name == "" {
		return errors.NotValidf("dataset without name")
	}
	if ds.ConnectionKey == "" {
		return errors.NotValidf("dataset %s without connection_key", ds.Name)
	}
	names := make(map[string]bool, len(ds.Collections))
	for _, c := range ds.Collections {
		if c.Name == "" {
			return errors.NotValidf("collection without name in dataset %s", ds.Name)
		}
		if names[c.Name] {
			return errors.AlreadyExistsf("collection %s in dataset %s", c.Name, ds.Name)
		}
		names[c.Name] = true

		if _, err := c.EraseAfterAddresses(); err != nil {
			return errors.Annotatef(err, "erase_after of %s:%s", ds.Name, c.Name)
		}
		for _, g := range c.GroupedInputs {
			if c.FieldByPath(types.ParseFieldPath(g)) == nil {
				return errors.NotFoundf("grouped input %s of %s:%s", g, ds.Name, c.Name)
			}
		}
	}
	return nil
}
