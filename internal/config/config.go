package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Power     PowerConfig     `yaml:"power"`
	Tilt      TiltConfig      `yaml:"tilt"`
	Fusion    FusionConfig    `yaml:"fusion"`
	IMU       IMUConfig       `yaml:"imu"`
	Motion    MotionConfig    `yaml:"motion"`
	Board     BoardConfig     `yaml:"board"`
	Battery   BatteryConfig   `yaml:"battery"`
	Stats     StatsConfig     `yaml:"stats"`
	Settings  SettingsConfig  `yaml:"settings"`
	Companion CompanionConfig `yaml:"companion"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PowerConfig struct {
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	MinActivePeriod      time.Duration `yaml:"min_active_period"`
	LowBatteryMilliVolts int           `yaml:"low_battery_mv"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
}

type TiltConfig struct {
	SampleInterval    time.Duration `yaml:"sample_interval"`
	LearnSamples      int           `yaml:"learn_samples"`
	MinGravity        float64       `yaml:"min_gravity"`
	MaxGravity        float64       `yaml:"max_gravity"`
	FacingDotMin      float64       `yaml:"facing_dot_min"`
	AwayDotMax        float64       `yaml:"away_dot_max"`
	AwayHold          time.Duration `yaml:"away_hold"`
	InteractionSettle time.Duration `yaml:"interaction_settle"`
}

type FusionConfig struct {
	SampleRateHz          int               `yaml:"sample_rate_hz"`
	Gain                  float64           `yaml:"gain"`
	GyroRange             float64           `yaml:"gyro_range"`
	AccelRejection        float64           `yaml:"accel_rejection"`
	MagRejection          float64           `yaml:"mag_rejection"`
	RecoveryTriggerPeriod int               `yaml:"recovery_trigger_period"`
	UseMagnetometer       bool              `yaml:"use_magnetometer"`
	Calibration           CalibrationConfig `yaml:"calibration"`
}

// CalibrationConfig fields left zero mean "no correction".
type CalibrationConfig struct {
	GyroOffset       [3]float64    `yaml:"gyro_offset"`
	GyroSensitivity  [3]float64    `yaml:"gyro_sensitivity"`
	AccelOffset      [3]float64    `yaml:"accel_offset"`
	AccelSensitivity [3]float64    `yaml:"accel_sensitivity"`
	HardIron         [3]float64    `yaml:"hard_iron"`
	SoftIron         [3][3]float64 `yaml:"soft_iron"`
}

type IMUConfig struct {
	// Driver is "sim" or "icm20948".
	Driver  string `yaml:"driver"`
	I2CBus  int    `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
}

type MotionConfig struct {
	SampleInterval     time.Duration `yaml:"sample_interval"`
	StillThreshold     float64       `yaml:"still_threshold"`
	NoMotionDuration   time.Duration `yaml:"no_motion_duration"`
	AnyMotionThreshold float64       `yaml:"any_motion_threshold"`
	AnyMotionSamples   int           `yaml:"any_motion_samples"`
}

type BoardConfig struct {
	DisplayPowerLine string `yaml:"display_power_line"`
	DisplayWakeLine  string `yaml:"display_wake_line"`
	VibrationLine    string `yaml:"vibration_line"`

	CPUSysfsRoot       string `yaml:"cpu_sysfs_root"`
	CPUDefaultGovernor string `yaml:"cpu_default_governor"`
	CPUFastGovernor    string `yaml:"cpu_fast_governor"`
	CPUDisabled        bool   `yaml:"cpu_disabled"`
}

type BatteryConfig struct {
	// Source is "sysfs" or "static".
	Source          string        `yaml:"source"`
	SysfsDir        string        `yaml:"sysfs_dir"`
	StaticMilliVolt int           `yaml:"static_mv"`
	Interval        time.Duration `yaml:"interval"`
}

type StatsConfig struct {
	// Backend is "file", "redis" or "memory".
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

type SettingsConfig struct {
	Path string `yaml:"path"`
}

type CompanionConfig struct {
	Enable              bool          `yaml:"enable"`
	Listen              string        `yaml:"listen"`
	Path                string        `yaml:"path"`
	OrientationInterval time.Duration `yaml:"orientation_interval"`
}

type MQTTConfig struct {
	Enable      bool          `yaml:"enable"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         int           `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Power.IdleTimeout == 0 {
		cfg.Power.IdleTimeout = 20 * time.Second
	}
	if cfg.Power.MinActivePeriod == 0 {
		cfg.Power.MinActivePeriod = time.Second
	}
	if cfg.Power.LowBatteryMilliVolts == 0 {
		cfg.Power.LowBatteryMilliVolts = 3750
	}
	if cfg.Power.PublishTimeout == 0 {
		cfg.Power.PublishTimeout = 250 * time.Millisecond
	}

	if cfg.Tilt.SampleInterval == 0 {
		cfg.Tilt.SampleInterval = 100 * time.Millisecond
	}
	if cfg.Tilt.LearnSamples == 0 {
		cfg.Tilt.LearnSamples = 5
	}
	if cfg.Tilt.MinGravity == 0 {
		cfg.Tilt.MinGravity = 5
	}
	if cfg.Tilt.MaxGravity == 0 {
		cfg.Tilt.MaxGravity = 15
	}
	if cfg.Tilt.FacingDotMin == 0 {
		cfg.Tilt.FacingDotMin = 0.80
	}
	if cfg.Tilt.AwayDotMax == 0 {
		cfg.Tilt.AwayDotMax = 0.30
	}
	if cfg.Tilt.AwayHold == 0 {
		cfg.Tilt.AwayHold = 1500 * time.Millisecond
	}
	if cfg.Tilt.InteractionSettle == 0 {
		cfg.Tilt.InteractionSettle = time.Second
	}

	if cfg.Fusion.SampleRateHz == 0 {
		cfg.Fusion.SampleRateHz = 100
	}
	if cfg.Fusion.Gain == 0 {
		cfg.Fusion.Gain = 0.5
	}
	if cfg.Fusion.GyroRange == 0 {
		cfg.Fusion.GyroRange = 2000
	}
	if cfg.Fusion.AccelRejection == 0 {
		cfg.Fusion.AccelRejection = 10
	}
	if cfg.Fusion.MagRejection == 0 {
		cfg.Fusion.MagRejection = 10
	}
	if cfg.Fusion.RecoveryTriggerPeriod == 0 {
		cfg.Fusion.RecoveryTriggerPeriod = 5 * cfg.Fusion.SampleRateHz
	}

	if cfg.IMU.Driver == "" {
		cfg.IMU.Driver = "sim"
	}
	if cfg.IMU.I2CBus == 0 {
		cfg.IMU.I2CBus = 1
	}
	if cfg.IMU.Address == 0 {
		cfg.IMU.Address = 0x69
	}

	if cfg.Motion.SampleInterval == 0 {
		cfg.Motion.SampleInterval = 20 * time.Millisecond
	}
	if cfg.Motion.StillThreshold == 0 {
		cfg.Motion.StillThreshold = 0.3
	}
	if cfg.Motion.NoMotionDuration == 0 {
		cfg.Motion.NoMotionDuration = 5 * time.Second
	}
	if cfg.Motion.AnyMotionThreshold == 0 {
		cfg.Motion.AnyMotionThreshold = 1.0
	}
	if cfg.Motion.AnyMotionSamples == 0 {
		cfg.Motion.AnyMotionSamples = 3
	}

	if cfg.Battery.Source == "" {
		cfg.Battery.Source = "static"
	}
	if cfg.Battery.SysfsDir == "" {
		cfg.Battery.SysfsDir = "/sys/class/power_supply/battery"
	}
	if cfg.Battery.StaticMilliVolt == 0 {
		cfg.Battery.StaticMilliVolt = 4000
	}
	if cfg.Battery.Interval == 0 {
		cfg.Battery.Interval = 30 * time.Second
	}

	if cfg.Stats.Backend == "" {
		cfg.Stats.Backend = "memory"
	}
	if cfg.Stats.RedisKey == "" {
		cfg.Stats.RedisKey = "wristwake:stats"
	}

	if cfg.Companion.Listen == "" {
		cfg.Companion.Listen = ":8787"
	}
	if cfg.Companion.Path == "" {
		cfg.Companion.Path = "/ws"
	}
	if cfg.Companion.OrientationInterval == 0 {
		cfg.Companion.OrientationInterval = 100 * time.Millisecond
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "wristwake"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "wristwake"
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.Timeout == 0 {
		cfg.MQTT.Timeout = 5 * time.Second
	}
}

func (cfg *Config) validate() error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	if cfg.Power.IdleTimeout < 0 {
		return fmt.Errorf("power.idle_timeout must be > 0")
	}
	if cfg.Power.MinActivePeriod < 0 {
		return fmt.Errorf("power.min_active_period must be >= 0")
	}
	if cfg.Power.PublishTimeout < 0 {
		return fmt.Errorf("power.publish_timeout must be >= 0")
	}

	if cfg.Tilt.SampleInterval < 0 || cfg.Tilt.AwayHold < 0 || cfg.Tilt.InteractionSettle < 0 {
		return fmt.Errorf("tilt durations must be > 0")
	}
	if cfg.Tilt.LearnSamples < 1 {
		return fmt.Errorf("tilt.learn_samples must be >= 1")
	}
	if cfg.Tilt.MinGravity >= cfg.Tilt.MaxGravity {
		return fmt.Errorf("tilt.min_gravity must be below tilt.max_gravity")
	}
	if cfg.Tilt.AwayDotMax >= cfg.Tilt.FacingDotMin {
		return fmt.Errorf("tilt.away_dot_max must be below tilt.facing_dot_min")
	}

	if cfg.Fusion.SampleRateHz < 1 || cfg.Fusion.SampleRateHz > 1000 {
		return fmt.Errorf("fusion.sample_rate_hz must be between 1 and 1000")
	}
	if cfg.Fusion.Gain < 0 {
		return fmt.Errorf("fusion.gain must be >= 0")
	}
	if cfg.Fusion.GyroRange < 0 {
		return fmt.Errorf("fusion.gyro_range must be >= 0")
	}

	switch cfg.IMU.Driver {
	case "sim", "icm20948":
	default:
		return fmt.Errorf("imu.driver must be 'sim' or 'icm20948'")
	}
	if cfg.IMU.Address > 0x7F {
		return fmt.Errorf("imu.address must be a 7-bit I2C address")
	}

	if cfg.Motion.SampleInterval < 0 || cfg.Motion.NoMotionDuration < 0 {
		return fmt.Errorf("motion durations must be > 0")
	}
	if cfg.Motion.AnyMotionSamples < 1 {
		return fmt.Errorf("motion.any_motion_samples must be >= 1")
	}

	switch cfg.Battery.Source {
	case "sysfs", "static":
	default:
		return fmt.Errorf("battery.source must be 'sysfs' or 'static'")
	}
	if cfg.Battery.Interval < 0 {
		return fmt.Errorf("battery.interval must be > 0")
	}

	switch cfg.Stats.Backend {
	case "memory":
	case "file":
		if cfg.Stats.Path == "" {
			return fmt.Errorf("stats.path is required when stats.backend is 'file'")
		}
	case "redis":
		if cfg.Stats.RedisAddr == "" {
			return fmt.Errorf("stats.redis_addr is required when stats.backend is 'redis'")
		}
	default:
		return fmt.Errorf("stats.backend must be 'memory', 'file' or 'redis'")
	}

	if cfg.MQTT.Enable && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
