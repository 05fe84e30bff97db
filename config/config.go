// Package config holds the immutable rewriting configuration and the
// embedded profiles it can be read from.
package config

import (
	"embed"
	"fmt"
	"os"

	"github.com/colorfulnotion/silhouette/silerrors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"
)

//go:embed profiles/*.yaml
var profileFS embed.FS

var profileFile = map[string]string{
	"silhouette":        "profiles/silhouette.yaml",
	"silhouette-invert": "profiles/silhouette-invert.yaml",
	"sfi":               "profiles/sfi.yaml",
	"sfi-selective":     "profiles/sfi-selective.yaml",
}

const funcListsFile = "profiles/funclists.yaml"

type StoreMode string

const (
	StoresNone StoreMode = "none"
	StoresSFI  StoreMode = "sfi"
	StoresSTRT StoreMode = "strt"
)

type SFIScope string

const (
	SFIFull      SFIScope = "full"
	SFISelective SFIScope = "selective"
)

type CFIMode string

const (
	CFINone    CFIMode = "none"
	CFIBitmask CFIMode = "bitmask"
	CFILabel   CFIMode = "label"
)

// UnknownPolicy decides what happens to a store or transfer opcode the
// rewriters have no rule for.
type UnknownPolicy string

const (
	UnknownFatal UnknownPolicy = "fatal"
	UnknownWarn  UnknownPolicy = "warn"
)

// Pass names, in the order Validate accepts.
const (
	PassScanner     = "scanner"
	PassCFI         = "cfi"
	PassShadowStack = "shadowstack"
	PassStores      = "stores"
	PassOverhead    = "overhead"
)

const (
	DefaultShadowOffset      = 2048
	DefaultPrivilegedSection = "privileged_functions"
)

var DefaultPasses = []string{PassScanner, PassCFI, PassShadowStack, PassStores, PassOverhead}

// Config is passed by value to every pass and never mutated after Validate.
type Config struct {
	Name               string        `yaml:"name"`
	Stores             StoreMode     `yaml:"stores"`
	SFIScope           SFIScope      `yaml:"sfi_scope"`
	CFI                CFIMode       `yaml:"cfi"`
	ShadowStack        bool          `yaml:"shadow_stack"`
	ShadowOffset       int64         `yaml:"shadow_offset"`
	ShadowUnprivileged bool          `yaml:"shadow_unprivileged"`
	Invert             bool          `yaml:"invert"`
	UnknownOpcodes     UnknownPolicy `yaml:"unknown_opcodes"`
	Verify             bool          `yaml:"verify"`
	StatDir            string        `yaml:"stat_dir"`
	Passes             []string      `yaml:"passes"`
	DenyList           []string      `yaml:"deny_list"`
	AllowList          []string      `yaml:"allow_list"`
	PrivilegedSection  string        `yaml:"privileged_section"`
}

type funcLists struct {
	DenyList  []string `yaml:"deny_list"`
	AllowList []string `yaml:"allow_list"`
}

// Default is everything off except verification, with the firmware deny list.
func Default() Config {
	cfg := Config{
		Name:              "default",
		Stores:            StoresNone,
		SFIScope:          SFIFull,
		CFI:               CFINone,
		ShadowOffset:      DefaultShadowOffset,
		UnknownOpcodes:    UnknownFatal,
		Verify:            true,
		Passes:            append([]string(nil), DefaultPasses...),
		PrivilegedSection: DefaultPrivilegedSection,
	}
	if lists, err := readFuncLists(); err == nil {
		cfg.DenyList = lists.DenyList
		cfg.AllowList = lists.AllowList
	}
	return cfg
}

func readFuncLists() (funcLists, error) {
	var lists funcLists
	data, err := profileFS.ReadFile(funcListsFile)
	if err != nil {
		return lists, err
	}
	err = yaml.Unmarshal(data, &lists)
	return lists, err
}

// Profiles lists the embedded profile names.
func Profiles() []string {
	out := make([]string, 0, len(profileFile))
	for id := range profileFile {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Read loads a profile by name, or a YAML file by path, over Default and
// validates the result.
func Read(id string) (cfg Config, err error) {
	var data []byte
	if path, ok := profileFile[id]; ok {
		data, err = profileFS.ReadFile(path)
	} else {
		data, err = os.ReadFile(id)
	}
	if err != nil {
		return cfg, err
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func badValue(field string, v any) error {
	return fmt.Errorf("config: %s=%v: %w", field, v, silerrors.ErrBadConfigValue)
}

// Validate checks field values and the pass order.
func (c Config) Validate() error {
	switch c.Stores {
	case StoresNone, StoresSFI, StoresSTRT:
	default:
		return badValue("stores", c.Stores)
	}
	switch c.SFIScope {
	case SFIFull, SFISelective:
	default:
		return badValue("sfi_scope", c.SFIScope)
	}
	switch c.CFI {
	case CFINone, CFIBitmask, CFILabel:
	default:
		return badValue("cfi", c.CFI)
	}
	switch c.UnknownOpcodes {
	case UnknownFatal, UnknownWarn:
	default:
		return badValue("unknown_opcodes", c.UnknownOpcodes)
	}
	if c.ShadowOffset < 0 {
		return fmt.Errorf("config: shadow_offset=%d: %w", c.ShadowOffset, silerrors.ErrNegativeShadowOffset)
	}
	if c.ShadowOffset%4 != 0 {
		return fmt.Errorf("config: shadow_offset=%d: %w", c.ShadowOffset, silerrors.ErrMisalignedShadowOffset)
	}
	seen := map[string]bool{}
	for _, p := range c.Passes {
		if !slices.Contains(DefaultPasses, p) {
			return badValue("passes", p)
		}
		if seen[p] {
			return fmt.Errorf("config: pass %s listed twice: %w", p, silerrors.ErrBadPassOrder)
		}
		seen[p] = true
	}
	// demotion would split the frame-setup push the shadow stack keys on
	if c.ShadowStack && c.Stores == StoresSTRT {
		ss, st := slices.Index(c.Passes, PassShadowStack), slices.Index(c.Passes, PassStores)
		if ss >= 0 && st >= 0 && st < ss {
			return fmt.Errorf("config: stores before shadowstack: %w", silerrors.ErrBadPassOrder)
		}
	}
	return nil
}

// IsDenied reports a function that must be returned unchanged.
func (c Config) IsDenied(name, section string) bool {
	if section != "" && section == c.PrivilegedSection {
		return true
	}
	return slices.Contains(c.DenyList, name)
}

// IsAllowed applies the allow list; an empty list allows everything.
func (c Config) IsAllowed(name string) bool {
	return len(c.AllowList) == 0 || slices.Contains(c.AllowList, name)
}

// Instruments combines both lists.
func (c Config) Instruments(name, section string) bool {
	return !c.IsDenied(name, section) && c.IsAllowed(name)
}

// HasPass reports whether p is scheduled.
func (c Config) HasPass(p string) bool { return slices.Contains(c.Passes, p) }

// UseSTRTSpill reports whether spills use the demoted sub/strt idiom
// instead of a push.
func (c Config) UseSTRTSpill() bool { return c.Stores == StoresSTRT && !c.Invert }
