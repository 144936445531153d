// Package stats keeps power statistics that survive restarts: boot count,
// cumulative awake time, display-off time and uptime.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCorrupt means a stored record failed validation.
var ErrCorrupt = errors.New("stats: record corrupt")

type Record struct {
	Boots          uint32        `yaml:"boots" json:"boots"`
	BootID         string        `yaml:"boot_id" json:"boot_id"`
	WakeupTime     time.Duration `yaml:"wakeup_time" json:"wakeup_time_ns"`
	DisplayOffTime time.Duration `yaml:"display_off_time" json:"display_off_time_ns"`
	UptimeSum      time.Duration `yaml:"uptime_sum" json:"uptime_sum_ns"`
	UpdatedAt      time.Time     `yaml:"updated_at" json:"updated_at"`
}

// Store persists one Record. Load of a missing record returns the zero
// Record and no error.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, r Record) error
}

type MemoryStore struct {
	mu  sync.Mutex
	rec Record
	err error
}

func (m *MemoryStore) Load(ctx context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, m.err
}

func (m *MemoryStore) Save(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = r
	return nil
}

// Retained is the in-memory copy of the record. Every update is written
// through to the store; write failures are logged and otherwise ignored.
type Retained struct {
	store       Store
	log         *zap.Logger
	now         func() time.Time
	saveTimeout time.Duration

	mu  sync.Mutex
	rec Record
}

func NewRetained(store Store, log *zap.Logger) *Retained {
	if store == nil {
		store = &MemoryStore{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retained{store: store, log: log.Named("stats"), now: time.Now, saveTimeout: 2 * time.Second}
}

// Boot loads the stored record, starting over if it is corrupt, and
// counts a new boot.
func (r *Retained) Boot(ctx context.Context) error {
	rec, err := r.store.Load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		r.log.Warn("retained record invalid, resetting", zap.Error(err))
		rec = Record{}
	case err != nil:
		return fmt.Errorf("stats: load: %w", err)
	}
	rec.Boots++
	rec.BootID = uuid.NewString()
	rec.UpdatedAt = r.now()

	r.mu.Lock()
	r.rec = rec
	r.mu.Unlock()

	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("stats: save: %w", err)
	}
	r.log.Info("boot", zap.Uint32("boots", rec.Boots), zap.String("boot_id", rec.BootID))
	return nil
}

func (r *Retained) AddAwake(d time.Duration) {
	r.update(func(rec *Record) { rec.WakeupTime += d })
}

func (r *Retained) AddDisplayOff(d time.Duration) {
	r.update(func(rec *Record) { rec.DisplayOffTime += d })
}

func (r *Retained) AddUptime(d time.Duration) {
	r.update(func(rec *Record) { rec.UptimeSum += d })
}

func (r *Retained) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

func (r *Retained) update(fn func(*Record)) {
	r.mu.Lock()
	fn(&r.rec)
	r.rec.UpdatedAt = r.now()
	rec := r.rec
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, rec); err != nil {
		r.log.Warn("save failed", zap.Error(err))
	}
}
