package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wristwake/internal/battery"
	"wristwake/internal/board"
	"wristwake/internal/bus"
	"wristwake/internal/companion"
	"wristwake/internal/config"
	"wristwake/internal/fusion"
	"wristwake/internal/i2c"
	"wristwake/internal/imu"
	"wristwake/internal/motion"
	"wristwake/internal/mqttpub"
	"wristwake/internal/power"
	"wristwake/internal/sched"
	"wristwake/internal/sensors/icm20948"
	"wristwake/internal/settings"
	"wristwake/internal/stats"
	"wristwake/internal/tilt"
)

// dialMQTT is replaced in tests.
var dialMQTT = func(cfg mqttpub.Config, log *zap.Logger) (mqttpub.Broker, error) {
	return mqttpub.Dial(cfg, func(topic string, err error) {
		log.Warn("mqtt handler failed", zap.String("topic", topic), zap.Error(err))
	})
}

type runtime struct {
	cfg   config.Config
	log   *zap.Logger
	start time.Time

	queue    *sched.Queue
	motionCh *bus.Channel[imu.Event]
	battCh   *bus.Channel[battery.Sample]
	actCh    *bus.Channel[power.Activity]

	sensor   imu.Driver
	emulator *motion.Emulator
	display  *board.Display
	vib      *board.Vibration
	cpu      *board.CPU
	stats    *stats.Retained
	fusion   *fusion.Engine
	power    *power.Manager
	battery  *battery.Poller
	comp     *companion.Server
	bridge   *mqttpub.Bridge
	broker   mqttpub.Broker

	closers []func()
}

func newRuntime(ctx context.Context, cfg config.Config, log *zap.Logger) (*runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &runtime{
		cfg:      cfg,
		log:      log,
		start:    time.Now(),
		queue:    sched.New(sched.SystemClock()),
		motionCh: bus.New[imu.Event]("motion"),
		battCh:   bus.New[battery.Sample]("battery"),
		actCh:    bus.New[power.Activity]("activity"),
	}
	if err := r.build(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *runtime) build(ctx context.Context) error {
	cfg := r.cfg

	sensor, mag, err := r.openIMU()
	if err != nil {
		return err
	}
	r.sensor = sensor

	r.emulator, err = motion.NewEmulator(motionConfig(cfg), sensor, r.queue, r.motionCh, r.log)
	if err != nil {
		return err
	}

	if r.display, err = board.NewDisplay(board.DisplayConfig{
		PowerLine: cfg.Board.DisplayPowerLine,
		WakeLine:  cfg.Board.DisplayWakeLine,
	}); err != nil {
		return err
	}
	r.closers = append(r.closers, r.display.Close)
	if r.vib, err = board.NewVibration(cfg.Board.VibrationLine); err != nil {
		return err
	}
	r.closers = append(r.closers, r.vib.Close)
	r.cpu = board.NewCPU(board.CPUConfig{
		SysfsRoot:       cfg.Board.CPUSysfsRoot,
		DefaultGovernor: cfg.Board.CPUDefaultGovernor,
		FastGovernor:    cfg.Board.CPUFastGovernor,
		Disabled:        cfg.Board.CPUDisabled,
	})

	store, closeStore, err := openStatsStore(cfg.Stats)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, closeStore)
	r.stats = stats.NewRetained(store, r.log)
	if err := r.stats.Boot(ctx); err != nil {
		return err
	}

	prefs, err := settings.Load(cfg.Settings.Path)
	if err != nil {
		return err
	}

	if r.fusion, err = fusion.New(fusionConfig(cfg), fusion.Deps{
		Queue:  r.queue,
		IMU:    r.emulator,
		Mag:    mag,
		Logger: r.log,
	}); err != nil {
		return err
	}

	if r.power, err = power.New(powerConfig(cfg, prefs), power.Deps{
		Queue:     r.queue,
		IMU:       r.emulator,
		Display:   r.display,
		CPU:       r.cpu,
		Vibration: r.vib,
		Stats:     r.stats,
		Out:       r.actCh,
		Logger:    r.log,
	}); err != nil {
		return err
	}
	r.power.Attach(r.motionCh, r.battCh)

	r.battery = battery.NewPoller(battery.Config{
		Interval:       cfg.Battery.Interval,
		PublishTimeout: cfg.Power.PublishTimeout,
	}, batterySource(cfg.Battery), r.battCh, r.log)

	if cfg.Companion.Enable {
		if r.comp, err = companion.NewServer(companion.Config{
			Listen:              cfg.Companion.Listen,
			Path:                cfg.Companion.Path,
			OrientationInterval: cfg.Companion.OrientationInterval,
		}, companion.Deps{
			Activity:    r.actCh,
			Orientation: r.fusion,
			Control:     r.power,
			Logger:      r.log,
		}); err != nil {
			return err
		}
	}

	if cfg.MQTT.Enable {
		mcfg := mqttConfig(cfg.MQTT)
		if r.broker, err = dialMQTT(mcfg, r.log); err != nil {
			return err
		}
		r.closers = append(r.closers, r.broker.Disconnect)
		if r.bridge, err = mqttpub.NewBridge(mcfg, mqttpub.Deps{
			Broker:   r.broker,
			Activity: r.actCh,
			Battery:  r.battCh,
			Control:  r.power,
			Logger:   r.log,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runtime) openIMU() (imu.Driver, imu.Magnetometer, error) {
	switch r.cfg.IMU.Driver {
	case "sim":
		s := imu.NewSim()
		return s, s, nil
	case "icm20948":
		b, err := i2c.OpenBus(r.cfg.IMU.I2CBus)
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, func() { _ = b.Close() })
		dev, err := icm20948.New(b.Dev(r.cfg.IMU.Address))
		if err != nil {
			return nil, nil, err
		}
		if r.cfg.Fusion.UseMagnetometer {
			r.log.Warn("icm20948 magnetometer not supported, fusing without it")
		}
		return dev, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown imu driver %q", r.cfg.IMU.Driver)
	}
}

// Run starts every service and drives the work queue until ctx ends. On
// return the session uptime has been recorded.
func (r *runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		failOnce sync.Once
		svcErr   error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			r.log.Error("service failed", zap.Error(err))
			svcErr = err
			cancel()
		})
	}

	r.queue.Submit(r.power.Init)
	r.battery.Start(runCtx)

	var wg sync.WaitGroup
	if r.comp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.comp.ListenAndServe(runCtx); err != nil {
				fail(err)
			}
		}()
	}
	if r.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.bridge.Run(runCtx); err != nil {
				fail(err)
			}
		}()
	}

	r.log.Info("running",
		zap.String("imu", r.cfg.IMU.Driver),
		zap.Duration("idle_timeout", r.power.IdleTimeout()),
		zap.Bool("companion", r.comp != nil),
		zap.Bool("mqtt", r.bridge != nil))

	err := r.queue.Run(runCtx)
	cancel()
	r.battery.Close()
	wg.Wait()

	uptime := time.Since(r.start)
	r.stats.AddUptime(uptime)
	r.log.Info("stopped", zap.Duration("uptime", uptime))

	if svcErr != nil {
		return svcErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func openStatsStore(cfg config.StatsConfig) (stats.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return &stats.MemoryStore{}, func() {}, nil
	case "file":
		return stats.FileStore{Path: cfg.Path}, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return stats.NewRedisStore(client, cfg.RedisKey), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown stats backend %q", cfg.Backend)
	}
}

func batterySource(cfg config.BatteryConfig) battery.Source {
	if cfg.Source == "sysfs" {
		return battery.SysfsSource{Dir: cfg.SysfsDir}
	}
	return battery.StaticSource{Sample: battery.Sample{MilliVolts: cfg.StaticMilliVolt}}
}

func motionConfig(cfg config.Config) motion.Config {
	return motion.Config{
		SampleInterval:     cfg.Motion.SampleInterval,
		StillThreshold:     cfg.Motion.StillThreshold,
		NoMotionDuration:   cfg.Motion.NoMotionDuration,
		AnyMotionThreshold: cfg.Motion.AnyMotionThreshold,
		AnyMotionSamples:   cfg.Motion.AnyMotionSamples,
		PublishTimeout:     cfg.Power.PublishTimeout,
	}
}

func powerConfig(cfg config.Config, prefs settings.Settings) power.Config {
	return power.Config{
		IdleTimeout:          cfg.Power.IdleTimeout,
		MinActivePeriod:      cfg.Power.MinActivePeriod,
		LowBatteryMilliVolts: cfg.Power.LowBatteryMilliVolts,
		PublishTimeout:       cfg.Power.PublishTimeout,
		DisplayAlwaysOn:      prefs.DisplayAlwaysOn,
		Tilt: tilt.Config{
			SampleInterval:    cfg.Tilt.SampleInterval,
			LearnSamples:      cfg.Tilt.LearnSamples,
			MinGravity:        cfg.Tilt.MinGravity,
			MaxGravity:        cfg.Tilt.MaxGravity,
			FacingDotMin:      cfg.Tilt.FacingDotMin,
			AwayDotMax:        cfg.Tilt.AwayDotMax,
			AwayHold:          cfg.Tilt.AwayHold,
			InteractionSettle: cfg.Tilt.InteractionSettle,
		},
	}
}

func fusionConfig(cfg config.Config) fusion.Config {
	f := cfg.Fusion
	c := f.Calibration
	return fusion.Config{
		SampleRateHz: f.SampleRateHz,
		Settings: fusion.Settings{
			Gain:                  f.Gain,
			GyroRange:             f.GyroRange,
			AccelRejection:        f.AccelRejection,
			MagRejection:          f.MagRejection,
			RecoveryTriggerPeriod: f.RecoveryTriggerPeriod,
		},
		Calibration: fusion.Calibration{
			GyroOffset:       fusion.V(c.GyroOffset),
			GyroSensitivity:  fusion.V(c.GyroSensitivity),
			AccelOffset:      fusion.V(c.AccelOffset),
			AccelSensitivity: fusion.V(c.AccelSensitivity),
			HardIron:         fusion.V(c.HardIron),
			SoftIron:         fusion.Mat3(c.SoftIron),
		},
		UseMagnetometer: f.UseMagnetometer,
	}
}

func mqttConfig(cfg config.MQTTConfig) mqttpub.Config {
	return mqttpub.Config{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         byte(cfg.QoS),
		Timeout:     cfg.Timeout,
	}
}
