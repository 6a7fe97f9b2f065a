package state

import (
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/log2"
	tele_config "github.com/temoto/sensornet/tele/config"
)

type Config struct {
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Node   tele_config.Node   `hcl:"node"`
	Server tele_config.Server `hcl:"server"`
	Mqtt   tele_config.Mqtt   `hcl:"mqtt"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// loader reads sources into one Config, collecting errors instead of stopping at first.
type loader struct {
	c    *Config
	fs   FullReader
	log  *log2.Log
	errs []error
	// absolute paths and raw names, prevents include loops
	seen map[string]struct{}
}

func (l *loader) fail(err error) { l.errs = append(l.errs, err) }

func (l *loader) visited(key string) bool {
	_, ok := l.seen[key]
	return ok
}

func (l *loader) load(src ConfigSource) {
	path := l.fs.Normalize(src.Name)
	if l.visited(path) {
		l.fail(errors.Errorf("config duplicate source=%s", src.Name))
		return
	}
	l.log.Debugf("config reading source='%s' path=%s", src.Name, path)
	l.seen[src.Name] = struct{}{}
	l.seen[path] = struct{}{}

	b, err := l.fs.ReadAll(path)
	switch {
	case err != nil:
		l.fail(errors.Annotatef(err, "config source=%s", src.Name))
		return
	case b == nil:
		if !src.Optional {
			l.fail(errors.NotFoundf("config required name=%s path=%s", src.Name, path))
		}
		return
	}
	if err = hcl.Unmarshal(b, l.c); err != nil {
		l.fail(errors.Annotatef(err, "config unmarshal source=%s", src.Name))
		return
	}

	includes := l.c.XXX_Include
	l.c.XXX_Include = nil
	for _, inc := range includes {
		if l.visited(l.fs.Normalize(inc.Name)) {
			l.fail(errors.Errorf("config include loop: from=%s include=%s", src.Name, inc.Name))
			continue
		}
		l.load(inc)
	}
}

// ReadConfig reads names in order, later sources overwrite earlier values.
// Relative includes of OS files resolve against directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, first := filepath.Split(names[0])
		if dir != "" {
			osfs.SetBase(dir)
		}
		names = append([]string{first}, names[1:]...)
	}

	l := &loader{
		c:    &Config{},
		fs:   fs,
		log:  log,
		errs: make([]error, 0, 4),
		seen: make(map[string]struct{}),
	}
	for _, name := range names {
		l.load(ConfigSource{Name: name})
	}
	return l.c, helpers.FoldErrors(l.errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
