package outputcounter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/output"
	"github.com/MuchTitan/go-log-notifier/internal/util"
	"github.com/sirupsen/logrus"
)

// Counter keeps per-source match totals. With a DBFile the totals are stored
// in SQLite and survive restarts.
type Counter struct {
	output.Base

	print            bool
	flushEvery       int
	cleanUpThreshold int
	out              io.Writer

	mu         sync.Mutex
	counts     map[string]uint64
	total      uint64
	unsaved    int
	repository CountRepository
}

func (c *Counter) Init(config map[string]any) error {
	c.InitBase(config, "counter")

	var err error
	if c.print, err = util.BoolOr(config["Print"], true); err != nil {
		return err
	}
	if c.flushEvery, err = util.IntOr(config["FlushEvery"], 50); err != nil {
		return err
	}
	if c.cleanUpThreshold, err = util.IntOr(config["CleanUpThreshold"], 30); err != nil {
		return err
	}

	c.counts = make(map[string]uint64)

	if dbFile := util.MustString(config["DBFile"]); dbFile != "" && c.repository == nil {
		repo, err := NewSQLiteCountRepository(dbFile)
		if err != nil {
			return err
		}
		c.repository = repo
	}

	if c.repository != nil {
		counts, err := c.repository.LoadCounts(context.Background())
		if err != nil {
			return fmt.Errorf("could not load saved counts: %w", err)
		}
		for source, n := range counts {
			c.counts[source] = n
			c.total += n
		}
	}

	return nil
}

// Increment records one match for source and returns its new total.
func (c *Counter) Increment(source string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[source]++
	c.total++
	c.unsaved++
	return c.counts[source]
}

func (c *Counter) Count(source string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[source]
}

func (c *Counter) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Counter) Write(events []internal.MatchEvent) error {
	for _, event := range events {
		if !c.MatchTag(event.Metadata.Tag) {
			continue
		}
		count := c.Increment(event.Metadata.Source)

		if c.print {
			data, _ := json.Marshal(map[string]any{
				"source": event.Metadata.Source,
				"count":  count,
			})
			if _, err := fmt.Fprintln(c.writer(), string(data)); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	due := c.repository != nil && c.unsaved >= c.flushEvery
	c.mu.Unlock()
	if due {
		return c.Flush()
	}
	return nil
}

func (c *Counter) writer() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

// Flush persists the current totals when a repository is configured.
func (c *Counter) Flush() error {
	if c.repository == nil {
		return nil
	}

	c.mu.Lock()
	if c.unsaved == 0 {
		c.mu.Unlock()
		return nil
	}
	snapshot := maps.Clone(c.counts)
	c.unsaved = 0
	c.mu.Unlock()

	if err := c.repository.BatchUpsertCounts(context.Background(), snapshot); err != nil {
		return fmt.Errorf("could not save match counts: %w", err)
	}
	return nil
}

func (c *Counter) Exit() error {
	if c.repository == nil {
		return nil
	}

	deleted, err := c.repository.CleanupOldEntries(context.Background(), c.cleanUpThreshold)
	if err != nil {
		logrus.WithError(err).Warn("could not clean up old match counts")
	} else {
		logrus.Debugf("cleaned %d old entries in match_counts db", deleted)
	}

	return c.repository.Close()
}
