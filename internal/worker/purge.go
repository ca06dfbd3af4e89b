package worker

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/worldgate/worldgate/internal/durable"
)

// DefaultTombstoneAge is how long soft-deleted rows linger before the purge
// removes them.
const DefaultTombstoneAge = 30 * 24 * time.Hour

// TombstonePurger deletes old soft-deleted rows on a cron schedule.
type TombstonePurger struct {
	repo *durable.Repo
	age  time.Duration
	cron *cron.Cron
}

// NewTombstonePurger schedules purges per the cron spec (standard five-field
// syntax, e.g. "0 4 * * *").
func NewTombstonePurger(repo *durable.Repo, spec string, age time.Duration) (*TombstonePurger, error) {
	if age == 0 {
		age = DefaultTombstoneAge
	}
	p := &TombstonePurger{
		repo: repo,
		age:  age,
		cron: cron.New(),
	}
	if _, err := p.cron.AddFunc(spec, p.RunOnce); err != nil {
		return nil, err
	}
	return p, nil
}

// Start begins the schedule.
func (p *TombstonePurger) Start() {
	p.cron.Start()
}

// Stop halts the schedule, waiting for a running purge to finish.
func (p *TombstonePurger) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce purges immediately, outside the schedule.
func (p *TombstonePurger) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-p.age).UnixMilli()
	if _, err := p.repo.PurgeTombstones(ctx, cutoff); err != nil {
		log.Printf("[worker] tombstone purge failed: %v", err)
	}
}
