// Package config loads the process configuration from a YAML file with
// ${ENV} expansion and sensible defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// (e.g. "5m", "5000ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClassMapping maps a special group marker to the LDAP objectClass names
// added to groups carrying the marker and to persons belonging to such groups.
type ClassMapping struct {
	GroupClass  string `yaml:"groupClass"`
	PersonClass string `yaml:"personClass"`
}

// Site holds the per-site settings. Unset optional booleans fall back to the
// global settings.
type Site struct {
	LdapUser             string                  `yaml:"ldapUser"`
	LdapPassword         string                  `yaml:"ldapPassword"`
	CtURI                string                  `yaml:"ctUri"`
	APIToken             string                  `yaml:"apiToken"`
	SpecialGroupMappings map[string]ClassMapping `yaml:"specialGroupMappings"`
	DNLowerCase          *bool                   `yaml:"dnLowerCase"`
	EmailLowerCase       *bool                   `yaml:"emailLowerCase"`
	EmailsUnique         *bool                   `yaml:"emailsUnique"`
}

// Global holds the process-wide settings.
type Global struct {
	Debug bool `yaml:"debug"`
	Trace bool `yaml:"trace"`

	LdapIP   string `yaml:"ldapIp"`
	LdapPort int    `yaml:"ldapPort"`
	OpsAddr  string `yaml:"opsAddr"`

	LdapCertFilename string `yaml:"ldapCertFilename"`
	LdapKeyFilename  string `yaml:"ldapKeyFilename"`

	CacheLifetime Duration `yaml:"cacheLifetime"`

	// Defaults inherited by sites, plus the optional implicit site.
	LdapBaseDN           string                  `yaml:"ldapBaseDn"`
	LdapUser             string                  `yaml:"ldapUser"`
	LdapPassword         string                  `yaml:"ldapPassword"`
	CtURI                string                  `yaml:"ctUri"`
	APIToken             string                  `yaml:"apiToken"`
	SpecialGroupMappings map[string]ClassMapping `yaml:"specialGroupMappings"`
	DNLowerCase          bool                    `yaml:"dnLowerCase"`
	EmailLowerCase       bool                    `yaml:"emailLowerCase"`
	EmailsUnique         bool                    `yaml:"emailsUnique"`
}

// Config is the root of the YAML document.
type Config struct {
	Global Global          `yaml:"config"`
	Sites  map[string]Site `yaml:"sites"`
}

// Load reads the configuration file named by the CTLDAP_CONFIG environment
// variable (default "ctldap.yml").
func Load() (*Config, error) {
	return LoadFile(getenv("CTLDAP_CONFIG", "ctldap.yml"))
}

// LoadFile reads and parses the given configuration file.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse parses a YAML configuration document, expands ${ENV} references and
// applies defaults and the implicit-site rule.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	g := &c.Global
	if g.LdapPort == 0 {
		g.LdapPort = 1389
	}
	if g.CacheLifetime == 0 {
		g.CacheLifetime = Duration(5 * time.Minute)
	}
	if c.Sites == nil {
		c.Sites = map[string]Site{}
	}
	// If a global base DN is set, synthesize one implicit site from the
	// global settings.
	if g.LdapBaseDN != "" {
		c.Sites[g.LdapBaseDN] = Site{
			LdapUser:             g.LdapUser,
			LdapPassword:         g.LdapPassword,
			CtURI:                g.CtURI,
			APIToken:             g.APIToken,
			SpecialGroupMappings: g.SpecialGroupMappings,
		}
	}
	for name, site := range c.Sites {
		if site.LdapUser == "" {
			site.LdapUser = g.LdapUser
		}
		if site.DNLowerCase == nil {
			v := g.DNLowerCase
			site.DNLowerCase = &v
		}
		if site.EmailLowerCase == nil {
			v := g.EmailLowerCase
			site.EmailLowerCase = &v
		}
		if site.EmailsUnique == nil {
			v := g.EmailsUnique
			site.EmailsUnique = &v
		}
		c.Sites[name] = site
	}
}

func (c *Config) validate() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("no sites configured and no ldapBaseDn set")
	}
	for name, site := range c.Sites {
		if site.CtURI == "" {
			return fmt.Errorf("site %q: ctUri is required", name)
		}
		if site.APIToken == "" {
			return fmt.Errorf("site %q: apiToken is required", name)
		}
		if site.LdapUser == "" {
			return fmt.Errorf("site %q: ldapUser is required", name)
		}
		for marker, m := range site.SpecialGroupMappings {
			if m.GroupClass == "" || m.PersonClass == "" {
				return fmt.Errorf("site %q: special group mapping %q needs both groupClass and personClass", name, marker)
			}
		}
	}
	if (c.Global.LdapCertFilename == "") != (c.Global.LdapKeyFilename == "") {
		return fmt.Errorf("ldapCertFilename and ldapKeyFilename must be set together")
	}
	return nil
}

// Addr returns the LDAP listen address.
func (g Global) Addr() string {
	return fmt.Sprintf("%s:%d", g.LdapIP, g.LdapPort)
}

var envPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnv substitutes ${NAME} references with environment values. Only the
// braced form is recognized, so values containing bare dollar signs, such as
// bcrypt or argon2 hashes, pass through verbatim.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
