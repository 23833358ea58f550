package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	godotenv "github.com/joho/godotenv"
	environ "github.com/mpoegel/camtrap/pkg/environ"
	yaml "gopkg.in/yaml.v3"
)

const TokenKey = "API_TOKEN"

type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type Zone struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (z Zone) Empty() bool {
	return z.Width == 0 || z.Height == 0
}

type Camera struct {
	Device       string     `yaml:"device"`
	Low          Resolution `yaml:"low"`
	High         Resolution `yaml:"high"`
	WarmupFrames int        `yaml:"warmup_frames"`
}

type Motion struct {
	BlurKernel       int           `yaml:"blur_kernel"`
	Threshold        int           `yaml:"threshold"`
	DilateIterations int           `yaml:"dilate_iterations"`
	MinArea          float64       `yaml:"min_area"`
	MaxArea          float64       `yaml:"max_area"`
	AreaPolicy       string        `yaml:"area_policy"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	IgnoreZone       Zone          `yaml:"ignore_zone"`
}

type Sensor struct {
	Enabled bool   `yaml:"enabled"`
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
}

type Storage struct {
	ImageDir    string        `yaml:"image_dir"`
	StorePath   string        `yaml:"store_path"`
	JournalPath string        `yaml:"journal_path"`
	Retention   time.Duration `yaml:"retention"`
}

type Upload struct {
	EventsURL     string        `yaml:"events_url"`
	MediaURL      string        `yaml:"media_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	EnvFile       string        `yaml:"env_file"`

	// Token is never read from YAML; see LoadToken.
	Token string `yaml:"-"`
}

type Trigger struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Control struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MQTT struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type Web struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	Camera  Camera  `yaml:"camera"`
	Motion  Motion  `yaml:"motion"`
	Sensor  Sensor  `yaml:"sensor"`
	Storage Storage `yaml:"storage"`
	Upload  Upload  `yaml:"upload"`
	Trigger Trigger `yaml:"trigger"`
	Control Control `yaml:"control"`
	MQTT    MQTT    `yaml:"mqtt"`
	Web     Web     `yaml:"web"`
	Log     struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the settings the field unit runs with.
func Default() *Config {
	cfg := &Config{
		Camera: Camera{
			Device:       "0",
			Low:          Resolution{Width: 640, Height: 480},
			High:         Resolution{Width: 2560, Height: 1440},
			WarmupFrames: 2,
		},
		Motion: Motion{
			BlurKernel:       21,
			Threshold:        25,
			DilateIterations: 2,
			MinArea:          10,
			MaxArea:          1000,
			AreaPolicy:       "band",
			Cooldown:         30 * time.Second,
			RetryDelay:       500 * time.Millisecond,
		},
		Sensor: Sensor{
			Enabled: true,
			Address: environ.DefaultAddress,
		},
		Storage: Storage{
			ImageDir:    "images",
			StorePath:   "data.csv",
			JournalPath: "camtrap.db",
			Retention:   7 * 24 * time.Hour,
		},
		Upload: Upload{
			EventsURL:     "https://api.spaia.co.za/field/events",
			MediaURL:      "https://api.spaia.co.za/media",
			Timeout:       60 * time.Second,
			RetryInterval: 5 * time.Minute,
			EnvFile:       ".env",
		},
		Trigger: Trigger{
			Enabled: true,
			Listen:  "localhost:9090",
		},
		Control: Control{
			Enabled: true,
			Listen:  "unix:///tmp/camtrap.control",
		},
		MQTT: MQTT{
			Topic:    "camtrap/captures",
			ClientID: "camtrap",
		},
		Web: Web{
			Listen:         "localhost:8000",
			AllowedOrigins: []string{"*"},
		},
	}
	cfg.Log.Level = "info"
	return cfg
}

// Load reads a YAML config on top of the defaults. A missing file yields
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadToken fills Upload.Token from the dotenv file, falling back to the
// process environment.
func (c *Config) LoadToken() error {
	vals, err := godotenv.Read(c.Upload.EnvFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", c.Upload.EnvFile, err)
	}
	if token := vals[TokenKey]; token != "" {
		c.Upload.Token = token
		return nil
	}
	c.Upload.Token = os.Getenv(TokenKey)
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, res := range map[string]Resolution{"low": c.Camera.Low, "high": c.Camera.High} {
		if res.Width <= 0 || res.Height <= 0 {
			errs = append(errs, fmt.Errorf("camera.%s resolution must be positive, got %dx%d", name, res.Width, res.Height))
		}
	}
	if k := c.Motion.BlurKernel; k < 0 || (k > 0 && k%2 == 0) {
		errs = append(errs, fmt.Errorf("motion.blur_kernel must be odd, got %d", k))
	}
	if c.Motion.Threshold < 0 || c.Motion.Threshold > 255 {
		errs = append(errs, fmt.Errorf("motion.threshold out of range: %d", c.Motion.Threshold))
	}
	if c.Motion.MinArea >= c.Motion.MaxArea {
		errs = append(errs, fmt.Errorf("motion.min_area (%v) must be below motion.max_area (%v)", c.Motion.MinArea, c.Motion.MaxArea))
	}
	switch c.Motion.AreaPolicy {
	case "band", "outside":
	default:
		errs = append(errs, fmt.Errorf("motion.area_policy must be band or outside, got %q", c.Motion.AreaPolicy))
	}
	if z := c.Motion.IgnoreZone; z.Width < 0 || z.Height < 0 {
		errs = append(errs, errors.New("motion.ignore_zone must not have a negative size"))
	}
	if c.Motion.Cooldown < 0 {
		errs = append(errs, errors.New("motion.cooldown must not be negative"))
	}
	if c.Storage.ImageDir == "" || c.Storage.StorePath == "" {
		errs = append(errs, errors.New("storage.image_dir and storage.store_path are required"))
	}
	return errors.Join(errs...)
}
