// Package state holds device configuration: the HCL file read at boot and
// the remotely fetched operating parameters.
package state

import (
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/ovenwatch/ovenwatch/helpers"
	"github.com/ovenwatch/ovenwatch/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Agent struct {
		CycleSec   int `hcl:"cycle_sec"`
		RefetchSec int `hcl:"refetch_sec"` // 0 = startup-only fetch
	} `hcl:"agent"`

	Sensor struct {
		Window   int    `hcl:"window"`
		TickMs   int    `hcl:"tick_ms"`
		Strategy string `hcl:"strategy"` // upperhalf|lastvalid
		Spi1     string `hcl:"spi1"`
		Spi2     string `hcl:"spi2"`
	} `hcl:"sensor"`

	Modem struct {
		Port               string `hcl:"port"`
		Apn                string `hcl:"apn"`
		RegisterTimeoutSec int    `hcl:"register_timeout_sec"`
		BearerTimeoutSec   int    `hcl:"bearer_timeout_sec"`
		CommandTimeoutSec  int    `hcl:"command_timeout_sec"`
	} `hcl:"modem"`

	Server struct {
		Addr              string `hcl:"addr"` // config service host:port
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	} `hcl:"server"`

	Broker struct {
		Port     int    `hcl:"port"` // host arrives via remote config
		Channel  string `hcl:"channel"`
		Password string `hcl:"password"`
	} `hcl:"broker"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
