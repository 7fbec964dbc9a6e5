// Package config loads and saves the YAML configuration. A missing file is
// created with defaults on first run.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when -config is not given.
const DefaultPath = "/etc/epdagenda/config.yaml"

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuthConfig protects every endpoint except /health.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

type DisplayConfig struct {
	// Driver is "waveshare2in13v2" for the HAT or "preview" for PNG output
	// only.
	Driver   string `yaml:"driver"`
	SPIPort  string `yaml:"spi_port"`
	Rotation int    `yaml:"rotation"`
	// PreviewPath is where the preview sink writes the last frame.
	PreviewPath string `yaml:"preview_path"`
}

type LayoutConfig struct {
	Width           int `yaml:"width"`
	Height          int `yaml:"height"`
	Margin          int `yaml:"margin"`
	LeftPanelWidth  int `yaml:"left_panel_width"`
	TimeBlockHeight int `yaml:"time_block_height"`
	LineSpacing     int `yaml:"line_spacing"`
}

type PagesConfig struct {
	Size            int `yaml:"size"`
	RotationSeconds int `yaml:"rotation_seconds"`
}

type RefreshConfig struct {
	TickSeconds         int `yaml:"tick_seconds"`
	MaxPartialRefreshes int `yaml:"max_partial_refreshes"`
}

type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Size    string `yaml:"size"`
}

type CaptureConfig struct {
	// URL may contain {prompt}.
	URL           string `yaml:"url"`
	ExecPath      string `yaml:"exec_path"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	ReadySelector string `yaml:"ready_selector"`
}

type IllustrationConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
	// Provider is "openai" or "capture".
	Provider       string        `yaml:"provider"`
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	RetentionDays  int           `yaml:"retention_days"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	PurgeCron      string        `yaml:"purge_cron"`
	Themes         []string      `yaml:"themes"`
	OpenAI         OpenAIConfig  `yaml:"openai"`
	Capture        CaptureConfig `yaml:"capture"`
}

// IsEnabled reports the effective enable flag.
func (c IllustrationConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type AgendaConfig struct {
	FetchMinutes int         `yaml:"fetch_minutes"`
	MaxItems     int         `yaml:"max_items"`
	ICS          []ICSConfig `yaml:"ics"`
}

type MessagesConfig struct {
	EventsTitle string `yaml:"events_title"`
	NoEvents    string `yaml:"no_events"`
	FreeDay     string `yaml:"free_day"`
	AllDay      string `yaml:"all_day"`
}

type BatteryConfig struct {
	Enabled bool   `yaml:"enabled"`
	I2CBus  string `yaml:"i2c_bus"`
	I2CAddr uint16 `yaml:"i2c_addr"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status API address; empty disables it.
	Listen string `yaml:"listen"`
	// Timezone is the IANA zone the agenda is shown in.
	Timezone string `yaml:"timezone"`
	// StateDir holds the illustration store, the feed cache and the preview.
	StateDir string `yaml:"state_dir"`

	Log          LogConfig          `yaml:"log"`
	Display      DisplayConfig      `yaml:"display"`
	Layout       LayoutConfig       `yaml:"layout"`
	Pages        PagesConfig        `yaml:"pages"`
	Refresh      RefreshConfig      `yaml:"refresh"`
	Illustration IllustrationConfig `yaml:"illustration"`
	Agenda       AgendaConfig       `yaml:"agenda"`
	Messages     MessagesConfig     `yaml:"messages"`
	Battery      BatteryConfig      `yaml:"battery"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

// DefaultThemes rotate by day of year.
func DefaultThemes() []string {
	return []string{
		"small black and white pixel art house",
		"sleeping cat, black and white pixel art",
		"simple pixel art tree, black and white",
		"steaming coffee cup, black and white pixel art",
		"open book, black and white pixel art",
		"potted plant, black and white pixel art",
		"simple pixel art heart, black and white",
		"shining star, black and white pixel art",
		"crescent moon, black and white pixel art",
		"smiling sun, black and white pixel art",
		"fluffy cloud, black and white pixel art",
		"flying bird, black and white pixel art",
		"simple flower, black and white pixel art",
		"umbrella, black and white pixel art",
		"bicycle, black and white pixel art",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "UTC",
		StateDir: "/var/lib/epdagenda",
		Log:      LogConfig{Level: "info", Format: "text"},
		Display: DisplayConfig{
			Driver:   "waveshare2in13v2",
			Rotation: 90,
		},
		Layout: LayoutConfig{
			Width:           250,
			Height:          122,
			Margin:          3,
			LeftPanelWidth:  106,
			TimeBlockHeight: 15,
			LineSpacing:     2,
		},
		Pages:   PagesConfig{Size: 3, RotationSeconds: 60},
		Refresh: RefreshConfig{TickSeconds: 60, MaxPartialRefreshes: 10},
		Illustration: IllustrationConfig{
			Enabled:        &enabled,
			Provider:       "openai",
			Width:          96,
			Height:         110,
			RetentionDays:  7,
			TimeoutSeconds: 90,
			PurgeCron:      "5 0 * * *",
			Themes:         DefaultThemes(),
			OpenAI:         OpenAIConfig{Model: "dall-e-3", Size: "1024x1024"},
		},
		Agenda: AgendaConfig{FetchMinutes: 15, MaxItems: 12, ICS: []ICSConfig{}},
		Messages: MessagesConfig{
			EventsTitle: "Events",
			NoEvents:    "No events",
			FreeDay:     "Free day",
			AllDay:      "All day",
		},
		Battery: BatteryConfig{I2CAddr: 0x57},
	}
}

// Normalize fills zero values with defaults so partial files still work.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Display.Driver == "" {
		c.Display.Driver = d.Display.Driver
	}
	c.Display.Rotation = ((c.Display.Rotation % 360) + 360) % 360
	if c.Display.PreviewPath == "" {
		c.Display.PreviewPath = filepath.Join(c.StateDir, "preview.png")
	}

	l, dl := &c.Layout, d.Layout
	setInt(&l.Width, dl.Width)
	setInt(&l.Height, dl.Height)
	setNonNegative(&l.Margin, dl.Margin)
	setInt(&l.LeftPanelWidth, dl.LeftPanelWidth)
	setInt(&l.TimeBlockHeight, dl.TimeBlockHeight)
	setNonNegative(&l.LineSpacing, dl.LineSpacing)

	setInt(&c.Pages.Size, d.Pages.Size)
	setInt(&c.Pages.RotationSeconds, d.Pages.RotationSeconds)
	setInt(&c.Refresh.TickSeconds, d.Refresh.TickSeconds)
	setInt(&c.Refresh.MaxPartialRefreshes, d.Refresh.MaxPartialRefreshes)

	il, dil := &c.Illustration, d.Illustration
	if il.Provider == "" {
		il.Provider = dil.Provider
	}
	setInt(&il.Width, dil.Width)
	setInt(&il.Height, dil.Height)
	if il.RetentionDays < 0 {
		il.RetentionDays = 0
	}
	setInt(&il.TimeoutSeconds, dil.TimeoutSeconds)
	if il.PurgeCron == "" {
		il.PurgeCron = dil.PurgeCron
	}
	if len(il.Themes) == 0 {
		il.Themes = dil.Themes
	}
	if il.OpenAI.Model == "" {
		il.OpenAI.Model = dil.OpenAI.Model
	}
	if il.OpenAI.Size == "" {
		il.OpenAI.Size = dil.OpenAI.Size
	}

	setInt(&c.Agenda.FetchMinutes, d.Agenda.FetchMinutes)
	setInt(&c.Agenda.MaxItems, d.Agenda.MaxItems)
	if c.Agenda.ICS == nil {
		c.Agenda.ICS = []ICSConfig{}
	}
	for i := range c.Agenda.ICS {
		if c.Agenda.ICS[i].ID == "" {
			c.Agenda.ICS[i].ID = fmt.Sprintf("ics%d", i+1)
		}
	}

	m, dm := &c.Messages, d.Messages
	setString(&m.EventsTitle, dm.EventsTitle)
	setString(&m.NoEvents, dm.NoEvents)
	setString(&m.FreeDay, dm.FreeDay)
	setString(&m.AllDay, dm.AllDay)

	if c.Battery.I2CAddr == 0 {
		c.Battery.I2CAddr = d.Battery.I2CAddr
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// setNonNegative is setInt for fields where 0 is a real value.
func setNonNegative(v *int, def int) {
	if *v < 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if strings.TrimSpace(*v) == "" {
		*v = def
	}
}

// Validate reports settings the program cannot run with. Call after
// Normalize.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}

	switch c.Display.Driver {
	case "waveshare2in13v2", "preview":
	default:
		errs = append(errs, fmt.Errorf("display.driver %q: want waveshare2in13v2 or preview", c.Display.Driver))
	}
	if c.Display.Rotation%90 != 0 {
		errs = append(errs, fmt.Errorf("display.rotation %d: must be a multiple of 90", c.Display.Rotation))
	}

	l := c.Layout
	if l.LeftPanelWidth >= l.Width {
		errs = append(errs, fmt.Errorf("layout.left_panel_width %d must be less than width %d", l.LeftPanelWidth, l.Width))
	}
	if 2*l.Margin >= l.LeftPanelWidth || 2*l.Margin >= l.Height {
		errs = append(errs, fmt.Errorf("layout.margin %d leaves no room for the list panel", l.Margin))
	}

	if c.Illustration.IsEnabled() {
		listW := l.LeftPanelWidth - 2*l.Margin
		listH := l.Height - 2*l.Margin
		if c.Illustration.Width > listW || c.Illustration.Height > listH {
			errs = append(errs, fmt.Errorf("illustration %dx%d does not fit the %dx%d list panel",
				c.Illustration.Width, c.Illustration.Height, listW, listH))
		}
		switch c.Illustration.Provider {
		case "openai":
		case "capture":
			if c.Illustration.Capture.URL == "" {
				errs = append(errs, errors.New("illustration.capture.url is required for the capture provider"))
			}
		default:
			errs = append(errs, fmt.Errorf("illustration.provider %q: want openai or capture", c.Illustration.Provider))
		}
		if _, err := cron.ParseStandard(c.Illustration.PurgeCron); err != nil {
			errs = append(errs, fmt.Errorf("illustration.purge_cron %q: %w", c.Illustration.PurgeCron, err))
		}
	}

	seen := make(map[string]bool)
	for _, src := range c.Agenda.ICS {
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("agenda.ics %q: url is required", src.ID))
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("agenda.ics: duplicate id %q", src.ID))
		}
		seen[src.ID] = true
	}

	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}

	return errors.Join(errs...)
}

// Location returns the display timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Refresh.TickSeconds) * time.Second
}

func (c *Config) RotationInterval() time.Duration {
	return time.Duration(c.Pages.RotationSeconds) * time.Second
}

func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.Agenda.FetchMinutes) * time.Minute
}

func (c *Config) IllustrationTimeout() time.Duration {
	return time.Duration(c.Illustration.TimeoutSeconds) * time.Second
}

// IllustrationDir is the per-date illustration store.
func (c *Config) IllustrationDir() string {
	return filepath.Join(c.StateDir, "illustrations")
}

// FeedCacheDir holds the last good copy of every feed.
func (c *Config) FeedCacheDir() string {
	return filepath.Join(c.StateDir, "ics-cache")
}

// Load reads path, creating it with defaults if it does not exist. The
// OpenAI key falls back to OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		// Layout keys left out of the file keep their defaults, so an
		// explicit zero margin or line spacing survives Normalize.
		cfg = &Config{Layout: DefaultConfig().Layout}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Normalize()
	}

	if cfg.Illustration.OpenAI.APIKey == "" {
		cfg.Illustration.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdagenda-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save writes c to path.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
